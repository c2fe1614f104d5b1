package utils

import (
	"encoding/json"
)

// MarshalToJSON encodes v for a json column; nil on failure.
func MarshalToJSON[T any](input T) []byte {
	b, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	return b
}

// UnmarshalFromJSON decodes a json column, leaving output untouched when empty.
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, output)
}
