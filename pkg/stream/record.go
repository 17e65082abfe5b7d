package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type RecordType string

const (
	RecordChunk    RecordType = "chunk"
	RecordComplete RecordType = "complete"
	RecordError    RecordType = "error"
)

// Record is one decoded data line.
type Record struct {
	Type           RecordType `json:"type"`
	Content        string     `json:"content,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

const (
	// DataPrefix marks a record line. The space is optional on input.
	DataPrefix = "data: "
	// MaxRecordSize bounds a single line. Longer lines are skipped.
	MaxRecordSize = 1 << 20
)

var dataMarker = []byte("data:")

// ParseRecord decodes the JSON body of a record.
func ParseRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	switch r.Type {
	case RecordChunk, RecordComplete, RecordError:
		return &r, nil
	case "":
		return nil, fmt.Errorf("record without type")
	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
}

// ParseLine decodes one line without its newline. ok is false for lines that
// carry no record: blank lines, comments and other SSE fields.
func ParseLine(line []byte) (rec *Record, ok bool, err error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataMarker) {
		return nil, false, nil
	}
	body := bytes.TrimPrefix(line[len(dataMarker):], []byte(" "))
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false, nil
	}
	rec, err = ParseRecord(body)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// FormatRecord renders r as a complete line, newline included.
func FormatRecord(r *Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, 0, len(DataPrefix)+len(b)+2)
	ret = append(ret, DataPrefix...)
	ret = append(ret, b...)
	ret = append(ret, '\n', '\n')
	return ret, nil
}
