package utils

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Snapshot converts a value to a JSON column. nil stays nil so the column is NULL.
func Snapshot(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return datatypes.JSON(b), nil
}
