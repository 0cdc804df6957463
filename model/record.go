package model

import (
	"encoding/json"
	"fmt"
)

// Record is a single result tree entry: either a measurement document as
// produced by a tool, or an error message.
type Record struct {
	// Decoded measurement document (object, array or scalar)
	Value any
	// Non-empty when the job failed
	Error string
}

// ValueRecord wraps a decoded measurement document.
func ValueRecord(v any) Record {
	return Record{Value: v}
}

// ErrorRecord builds a failed record. An empty message is replaced so that
// failed records always carry some text.
func ErrorRecord(format string, args ...any) Record {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = "unknown error"
	}
	return Record{Error: msg}
}

// Failed reports whether the record is an error record.
func (r Record) Failed() bool {
	return r.Error != ""
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	if r.Value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Value)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Record{Value: v}
	if obj, ok := v.(map[string]any); ok && len(obj) == 1 {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			*r = Record{Error: msg}
		}
	}
	return nil
}
