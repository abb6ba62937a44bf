package badger

// Key prefixes for different data types
const (
	embeddingPrefix = "docemb"
)

// makeEmbeddingKey generates a key for a document embedding by document id.
// Format: prefix:documentID
func makeEmbeddingKey(documentID string) []byte {
	prefix := embeddingPrefix + ":"
	buf := make([]byte, len(prefix)+len(documentID))
	offset := copy(buf, prefix)
	copy(buf[offset:], documentID)
	return buf
}
