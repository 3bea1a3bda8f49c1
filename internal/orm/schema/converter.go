package schema

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Converter translates attribute values between their model and storage representations.
// Implementations must be pure; nil values are handled by the caller.
type Converter interface {
	ToStorage(value interface{}) (interface{}, error)
	FromStorage(value interface{}) (interface{}, error)
}

// ConverterFuncs adapts a pair of functions to the Converter interface
type ConverterFuncs struct {
	ModelToStorage func(interface{}) (interface{}, error)
	StorageToModel func(interface{}) (interface{}, error)
}

// ToStorage implements Converter
func (c ConverterFuncs) ToStorage(value interface{}) (interface{}, error) {
	if c.ModelToStorage == nil {
		return value, nil
	}
	return c.ModelToStorage(value)
}

// FromStorage implements Converter
func (c ConverterFuncs) FromStorage(value interface{}) (interface{}, error) {
	if c.StorageToModel == nil {
		return value, nil
	}
	return c.StorageToModel(value)
}

// DefaultConverter returns the converter for a value type
func DefaultConverter(t ValueType) Converter {
	switch t {
	case TypeUUIDIdentifier:
		return uuidConverter{}
	case TypeSequenceIdentifier, TypeInteger:
		return integerConverter{}
	case TypeString, TypeEnum:
		return stringConverter{}
	case TypeDecimal:
		return decimalConverter{}
	case TypeInstant:
		return instantConverter{}
	case TypeBoolean:
		return booleanConverter{}
	default:
		return passthroughConverter{}
	}
}

type passthroughConverter struct{}

func (passthroughConverter) ToStorage(v interface{}) (interface{}, error)   { return v, nil }
func (passthroughConverter) FromStorage(v interface{}) (interface{}, error) { return v, nil }

// uuidConverter stores UUIDs in their canonical text form
type uuidConverter struct{}

func (uuidConverter) ToStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case uuid.UUID:
		return val.String(), nil
	case string:
		id, err := uuid.Parse(val)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", val, err)
		}
		return id.String(), nil
	default:
		return nil, typeMismatch("uuid", v)
	}
}

func (uuidConverter) FromStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, nil
	case [16]byte:
		return uuid.UUID(val), nil
	case string:
		return uuid.Parse(val)
	case []byte:
		if len(val) == 16 {
			return uuid.FromBytes(val)
		}
		return uuid.ParseBytes(val)
	default:
		return nil, typeMismatch("uuid", v)
	}
}

type integerConverter struct{}

func (integerConverter) ToStorage(v interface{}) (interface{}, error) {
	return toInt64(v)
}

func (integerConverter) FromStorage(v interface{}) (interface{}, error) {
	return toInt64(v)
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case float64:
		if val != float64(int64(val)) {
			return 0, fmt.Errorf("%v is not an integer", val)
		}
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	case []byte:
		return strconv.ParseInt(string(val), 10, 64)
	default:
		return 0, typeMismatch("integer", v)
	}
}

type stringConverter struct{}

func (stringConverter) ToStorage(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeMismatch("string", v)
	}
	return s, nil
}

func (stringConverter) FromStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		return nil, typeMismatch("string", v)
	}
}

// decimalConverter models decimals as float64 and stores them as exact text
type decimalConverter struct{}

func (decimalConverter) ToStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int, int64:
		n, _ := toInt64(val)
		return strconv.FormatInt(n, 10), nil
	case string:
		if _, err := strconv.ParseFloat(val, 64); err != nil {
			return nil, fmt.Errorf("invalid decimal %q", val)
		}
		return val, nil
	default:
		return nil, typeMismatch("decimal", v)
	}
}

func (decimalConverter) FromStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	case []byte:
		return strconv.ParseFloat(string(val), 64)
	default:
		return nil, typeMismatch("decimal", v)
	}
}

// instantConverter stores instants in UTC
type instantConverter struct{}

var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (instantConverter) ToStorage(v interface{}) (interface{}, error) {
	t, ok := v.(time.Time)
	if !ok {
		return nil, typeMismatch("instant", v)
	}
	return t.UTC(), nil
}

func (instantConverter) FromStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		return parseInstant(val)
	case []byte:
		return parseInstant(string(val))
	default:
		return nil, typeMismatch("instant", v)
	}
}

func parseInstant(s string) (time.Time, error) {
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", s)
}

type booleanConverter struct{}

func (booleanConverter) ToStorage(v interface{}) (interface{}, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, typeMismatch("boolean", v)
	}
	return b, nil
}

func (booleanConverter) FromStorage(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	case string:
		return strconv.ParseBool(val)
	case []byte:
		return strconv.ParseBool(string(val))
	default:
		return nil, typeMismatch("boolean", v)
	}
}

func typeMismatch(expected string, v interface{}) error {
	return fmt.Errorf("expected %s value, got %T", expected, v)
}
