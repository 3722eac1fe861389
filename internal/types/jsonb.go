package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. Scan is on pointer receivers; Value is on
// value receivers.
var (
	_ sql.Scanner   = (*Benefits)(nil)
	_ driver.Valuer = Benefits{}
	_ sql.Scanner   = (*SubscriptionMetadata)(nil)
	_ driver.Valuer = SubscriptionMetadata{}
)

// scanJSONB scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts a Go value to a JSONB-compatible driver.Value.
func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (b *Benefits) Scan(value interface{}) error {
	return scanJSONB(b, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (b Benefits) Value() (driver.Value, error) {
	return valueJSONB(b)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *SubscriptionMetadata) Scan(value interface{}) error {
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m SubscriptionMetadata) Value() (driver.Value, error) {
	return valueJSONB(m)
}

var (
	_ sql.Scanner   = (*Usage)(nil)
	_ driver.Valuer = Usage{}
)

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (u *Usage) Scan(value interface{}) error {
	return scanJSONB(u, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (u Usage) Value() (driver.Value, error) {
	return valueJSONB(u)
}
