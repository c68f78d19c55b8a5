package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringArray is a list of strings stored in a single text column.
// Values are written as JSON; Postgres array literals ({a,b}) are still accepted on read.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StringArray{}
		return nil
	case []byte:
		return s.parse(string(v))
	case string:
		return s.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

func (s *StringArray) parse(v string) error {
	v = strings.TrimSpace(v)
	if v == "" || v == "{}" || v == "[]" || v == "null" {
		*s = StringArray{}
		return nil
	}

	if strings.HasPrefix(v, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(v), &arr); err != nil {
			return fmt.Errorf("decode string array: %w", err)
		}
		*s = arr
		return nil
	}

	// Postgres array format: {value1,"value 2"}
	parts := strings.Split(strings.Trim(v, "{}"), ",")
	out := make(StringArray, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), "\"")
		if part != "" {
			out = append(out, part)
		}
	}
	*s = out
	return nil
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Clone returns an independent copy.
func (s StringArray) Clone() StringArray {
	if s == nil {
		return nil
	}
	out := make(StringArray, len(s))
	copy(out, s)
	return out
}
