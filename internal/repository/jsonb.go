package repository

import (
	"encoding/json"
	"fmt"
)

// toJSONB marshals a value for a JSONB column.
func toJSONB(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb: %w", err)
	}
	return data, nil
}

// fromJSONB unmarshals a JSONB column into dest, treating NULL and empty as
// the zero value.
func fromJSONB(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal jsonb: %w", err)
	}
	return nil
}
