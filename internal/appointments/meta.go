package appointments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMeta is returned when payment metadata contains an unsupported JSON shape.
var ErrInvalidMeta = errors.New("appointments: invalid payment meta")

// MetaKind tags the value held by a MetaValue.
type MetaKind uint8

const (
	MetaString MetaKind = iota + 1
	MetaNumber
	MetaBool
	MetaObject
)

// MetaValue is a string, number, bool or nested Meta. The zero value is invalid.
type MetaValue struct {
	kind MetaKind
	str  string
	num  float64
	flag bool
	obj  Meta
}

// Meta is payment metadata keyed by string. Arrays and nulls are not representable.
type Meta map[string]MetaValue

func StringValue(s string) MetaValue  { return MetaValue{kind: MetaString, str: s} }
func NumberValue(n float64) MetaValue { return MetaValue{kind: MetaNumber, num: n} }
func BoolValue(b bool) MetaValue      { return MetaValue{kind: MetaBool, flag: b} }
func ObjectValue(m Meta) MetaValue    { return MetaValue{kind: MetaObject, obj: m.Clone()} }

func (v MetaValue) Kind() MetaKind { return v.kind }

func (v MetaValue) AsString() (string, bool) { return v.str, v.kind == MetaString }

func (v MetaValue) AsNumber() (float64, bool) { return v.num, v.kind == MetaNumber }

func (v MetaValue) AsBool() (bool, bool) { return v.flag, v.kind == MetaBool }

func (v MetaValue) AsObject() (Meta, bool) { return v.obj, v.kind == MetaObject }

func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case MetaString:
		return json.Marshal(v.str)
	case MetaNumber:
		return json.Marshal(v.num)
	case MetaBool:
		return json.Marshal(v.flag)
	case MetaObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("%w: empty value", ErrInvalidMeta)
	}
}

func (v *MetaValue) UnmarshalJSON(data []byte) error {
	parsed, err := decodeMetaValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func decodeMetaValue(data []byte) (MetaValue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return MetaValue{}, fmt.Errorf("%w: empty value", ErrInvalidMeta)
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return MetaValue{}, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
		}
		return StringValue(s), nil
	case c == 't' || c == 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return MetaValue{}, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
		}
		return BoolValue(b), nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return MetaValue{}, fmt.Errorf("%w: %v", ErrInvalidMeta, err)
		}
		return NumberValue(n), nil
	case c == '{':
		var m Meta
		if err := json.Unmarshal(data, &m); err != nil {
			return MetaValue{}, err
		}
		if m == nil {
			m = Meta{}
		}
		return MetaValue{kind: MetaObject, obj: m}, nil
	case c == '[':
		return MetaValue{}, fmt.Errorf("%w: arrays are not supported", ErrInvalidMeta)
	case c == 'n':
		return MetaValue{}, fmt.Errorf("%w: null is not supported", ErrInvalidMeta)
	default:
		return MetaValue{}, fmt.Errorf("%w: unexpected token %q", ErrInvalidMeta, c)
	}
}

// UnmarshalJSON accepts a JSON object or a top-level null (empty meta).
func (m *Meta) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: expected object", ErrInvalidMeta)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMeta, err)
	}
	out := make(Meta, len(raw))
	for k, r := range raw {
		v, err := decodeMetaValue(r)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	*m = out
	return nil
}

// Get returns the value stored under key.
func (m Meta) Get(key string) (MetaValue, bool) {
	v, ok := m[key]
	return v, ok
}

// With returns a copy of m with key set to v.
func (m Meta) With(key string, v MetaValue) Meta {
	out := m.Clone()
	if out == nil {
		out = Meta{}
	}
	out[key] = v
	return out
}

// Without returns a copy of m with key removed.
func (m Meta) Without(key string) Meta {
	out := m.Clone()
	delete(out, key)
	return out
}

// Clone deep-copies nested objects.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		if v.kind == MetaObject {
			v.obj = v.obj.Clone()
		}
		out[k] = v
	}
	return out
}
