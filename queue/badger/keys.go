package badger

import (
	"encoding/binary"
	"time"
)

// Key prefixes for different data types
const (
	messagePrefix    = "qmsg:"
	visibilityPrefix = "qvis:"
	deadLetterPrefix = "qdlq:"
)

func makeMessageKey(id string) []byte {
	return append([]byte(messagePrefix), id...)
}

func makeDeadLetterKey(id string) []byte {
	return append([]byte(deadLetterPrefix), id...)
}

// makeVisibilityKey generates a composite key for the visibility index.
// Format: prefix:visibleAt:id
func makeVisibilityKey(visibleAt time.Time, id string) []byte {
	prefixSize := len(visibilityPrefix)
	buf := make([]byte, prefixSize+8+len(id))
	offset := copy(buf, visibilityPrefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(visibleAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// parseVisibilityKey splits a visibility index key.
func parseVisibilityKey(key []byte) (int64, string, bool) {
	prefixSize := len(visibilityPrefix)
	if len(key) < prefixSize+8 {
		return 0, "", false
	}
	micros := int64(binary.BigEndian.Uint64(key[prefixSize : prefixSize+8]))
	return micros, string(key[prefixSize+8:]), true
}
