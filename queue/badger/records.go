package badger

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/embedpipe/storage"
)

// record is the stored form of a live message.
type record struct {
	ID           string
	Body         []byte
	ReceiveCount int
	Receipt      string
	EnqueuedAt   time.Time
	VisibleAt    time.Time
	LastError    string
}

// deadRecord is the stored form of a dead letter.
type deadRecord struct {
	ID             string
	Body           []byte
	ReceiveCount   int
	Reason         string
	EnqueuedAt     time.Time
	DeadLetteredAt time.Time
}

var (
	recordMUS     = recordSer{}
	deadRecordMUS = deadRecordSer{}
	timeMUS       = timeSer{}
)

// timeSer stores a time as Unix microseconds. The zero time is stored as 0.
type timeSer struct{}

func (timeSer) micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func (s timeSer) Size(t time.Time) int {
	return varint.Int64.Size(s.micros(t))
}

func (s timeSer) Marshal(t time.Time, bs []byte) int {
	return varint.Int64.Marshal(s.micros(t), bs)
}

func (timeSer) Unmarshal(bs []byte) (time.Time, int, error) {
	us, n, err := varint.Int64.Unmarshal(bs)
	if err != nil || us == 0 {
		return time.Time{}, n, err
	}
	return time.UnixMicro(us).UTC(), n, nil
}

// Field order in the serializers is the stored layout. Append new fields at
// the end.
type recordSer struct{}

func (recordSer) Size(r record) (size int) {
	size += ord.String.Size(r.ID)
	size += ord.ByteSlice.Size(r.Body)
	size += varint.Int.Size(r.ReceiveCount)
	size += ord.String.Size(r.Receipt)
	size += timeMUS.Size(r.EnqueuedAt)
	size += timeMUS.Size(r.VisibleAt)
	return size + ord.String.Size(r.LastError)
}

func (recordSer) Marshal(r record, bs []byte) (n int) {
	n += ord.String.Marshal(r.ID, bs[n:])
	n += ord.ByteSlice.Marshal(r.Body, bs[n:])
	n += varint.Int.Marshal(r.ReceiveCount, bs[n:])
	n += ord.String.Marshal(r.Receipt, bs[n:])
	n += timeMUS.Marshal(r.EnqueuedAt, bs[n:])
	n += timeMUS.Marshal(r.VisibleAt, bs[n:])
	return n + ord.String.Marshal(r.LastError, bs[n:])
}

func (recordSer) Unmarshal(bs []byte) (r record, n int, err error) {
	var n1 int
	if r.ID, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if r.Body, n1, err = ord.ByteSlice.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if r.ReceiveCount, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if r.Receipt, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if r.EnqueuedAt, n1, err = timeMUS.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if r.VisibleAt, n1, err = timeMUS.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	r.LastError, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	return
}

type deadRecordSer struct{}

func (deadRecordSer) Size(d deadRecord) (size int) {
	size += ord.String.Size(d.ID)
	size += ord.ByteSlice.Size(d.Body)
	size += varint.Int.Size(d.ReceiveCount)
	size += ord.String.Size(d.Reason)
	size += timeMUS.Size(d.EnqueuedAt)
	return size + timeMUS.Size(d.DeadLetteredAt)
}

func (deadRecordSer) Marshal(d deadRecord, bs []byte) (n int) {
	n += ord.String.Marshal(d.ID, bs[n:])
	n += ord.ByteSlice.Marshal(d.Body, bs[n:])
	n += varint.Int.Marshal(d.ReceiveCount, bs[n:])
	n += ord.String.Marshal(d.Reason, bs[n:])
	n += timeMUS.Marshal(d.EnqueuedAt, bs[n:])
	return n + timeMUS.Marshal(d.DeadLetteredAt, bs[n:])
}

func (deadRecordSer) Unmarshal(bs []byte) (d deadRecord, n int, err error) {
	var n1 int
	if d.ID, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if d.Body, n1, err = ord.ByteSlice.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if d.ReceiveCount, n1, err = varint.Int.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if d.Reason, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	if d.EnqueuedAt, n1, err = timeMUS.Unmarshal(bs[n:]); err != nil {
		return
	}
	n += n1
	d.DeadLetteredAt, n1, err = timeMUS.Unmarshal(bs[n:])
	n += n1
	return
}

func marshalRecord(rec *record) []byte {
	buf := make([]byte, recordMUS.Size(*rec))
	recordMUS.Marshal(*rec, buf)
	return buf
}

func unmarshalRecord(data []byte) (*record, error) {
	rec, _, err := recordMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: message record: %w", storage.ErrSerializationFailed, err)
	}
	return &rec, nil
}

func marshalDeadRecord(dr *deadRecord) []byte {
	buf := make([]byte, deadRecordMUS.Size(*dr))
	deadRecordMUS.Marshal(*dr, buf)
	return buf
}

func unmarshalDeadRecord(data []byte) (*deadRecord, error) {
	dr, _, err := deadRecordMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: dead letter record: %w", storage.ErrSerializationFailed, err)
	}
	return &dr, nil
}
