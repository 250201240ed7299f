package model

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kart-io/studymate/pkg/utils/json"
)

// Vector is an embedding stored as little-endian float32 bytes.
type Vector []float32

// GormDataType maps Vector to the dialect's binary column type.
func (Vector) GormDataType() string {
	return "bytes"
}

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src interface{}) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("invalid vector length %d", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*v = out
	return nil
}

// Metadata is free-form JSON attached to a chunk.
type Metadata map[string]interface{}

// GormDataType maps Metadata to the dialect's text column type.
func (Metadata) GormDataType() string {
	return "string"
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
