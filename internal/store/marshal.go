package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/habitsync/internal/document"
)

// marshalFields converts document fields to canonical JSON TEXT for
// storage.
func marshalFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := document.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields decodes stored JSON TEXT. Numbers stay json.Number so
// integers round-trip exactly.
func unmarshalFields(text string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
