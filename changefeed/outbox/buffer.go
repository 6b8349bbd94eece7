package outbox

// Buffer is a FIFO of event records owned by a single holder. It is not safe
// for concurrent use.
type Buffer struct {
	records []*EventRecord
}

// NewBuffer returns an empty buffer, optionally seeded with records.
func NewBuffer(records ...*EventRecord) *Buffer {
	buf := &Buffer{}
	buf.Append(records...)

	return buf
}

// Append adds records at the tail. Nil records are skipped.
func (buf *Buffer) Append(records ...*EventRecord) {
	for _, record := range records {
		if record != nil {
			buf.records = append(buf.records, record)
		}
	}
}

// PopFront removes and returns the oldest record.
func (buf *Buffer) PopFront() (*EventRecord, bool) {
	if buf == nil || len(buf.records) == 0 {
		return nil, false
	}

	record := buf.records[0]
	buf.records[0] = nil
	buf.records = buf.records[1:]

	if len(buf.records) == 0 {
		buf.records = nil
	}

	return record, true
}

func (buf *Buffer) Len() int {
	if buf == nil {
		return 0
	}

	return len(buf.records)
}

// Snapshot returns the records in order without removing them.
func (buf *Buffer) Snapshot() []*EventRecord {
	if buf == nil || len(buf.records) == 0 {
		return nil
	}

	out := make([]*EventRecord, len(buf.records))
	copy(out, buf.records)

	return out
}

// Drain empties the buffer and returns what it held.
func (buf *Buffer) Drain() []*EventRecord {
	if buf == nil {
		return nil
	}

	out := buf.records
	buf.records = nil

	return out
}
