package tools

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vinayprograms/taskkit/errors"
)

// Args wraps tool arguments with typed accessor methods. A key holding JSON
// null is treated the same as a missing key.
type Args map[string]interface{}

func argError(key, format string, a ...interface{}) error {
	return errors.InvalidInput(fmt.Sprintf(format, a...), errors.WithMetadata("field", key))
}

func required(key string) error {
	return argError(key, "%s is required", key)
}

// Has returns true if the key is present and not null.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// Raw returns the raw value for a key, or nil if not present.
func (a Args) Raw(key string) interface{} {
	return a[key]
}

// String gets a required string argument.
func (a Args) String(key string) (string, error) {
	s, err := a.OptString(key)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", required(key)
	}
	return *s, nil
}

// StringOr gets an optional string argument with a default. A value of the
// wrong type also yields the default.
func (a Args) StringOr(key, defaultVal string) string {
	s, err := a.OptString(key)
	if err != nil || s == nil {
		return defaultVal
	}
	return *s
}

// OptString returns nil when the key is absent and an error when it holds
// something other than a string.
func (a Args) OptString(key string) (*string, error) {
	if !a.Has(key) {
		return nil, nil
	}
	s, ok := a[key].(string)
	if !ok {
		return nil, argError(key, "%s must be a string, got %T", key, a[key])
	}
	return &s, nil
}

// Int64 gets a required integer argument. JSON numbers may arrive as
// float64 or json.Number; fractional values are rejected.
func (a Args) Int64(key string) (int64, error) {
	n, err := a.OptInt64(key)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, required(key)
	}
	return *n, nil
}

// OptInt64 returns nil when the key is absent.
func (a Args) OptInt64(key string) (*int64, error) {
	if !a.Has(key) {
		return nil, nil
	}
	n, err := toInt64(a[key])
	if err != nil {
		return nil, argError(key, "%s %s", key, err.Error())
	}
	return &n, nil
}

// Int gets a required integer argument.
func (a Args) Int(key string) (int, error) {
	n, err := a.Int64(key)
	return int(n), err
}

// IntOr gets an optional integer argument with a default.
func (a Args) IntOr(key string, defaultVal int) int {
	n, err := a.OptInt(key)
	if err != nil || n == nil {
		return defaultVal
	}
	return *n
}

// OptInt returns nil when the key is absent.
func (a Args) OptInt(key string) (*int, error) {
	n, err := a.OptInt64(key)
	if err != nil || n == nil {
		return nil, err
	}
	if *n > math.MaxInt32 || *n < math.MinInt32 {
		return nil, argError(key, "%s is out of range", key)
	}
	i := int(*n)
	return &i, nil
}

// ID returns the first of keys that is present as an integer. Tools use it
// to accept "id" as an alias of "task_id".
func (a Args) ID(keys ...string) (int64, error) {
	for _, k := range keys {
		if a.Has(k) {
			return a.Int64(k)
		}
	}
	return 0, required(keys[0])
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		// "1.0" and "1e3" are integers too, as they are when decoded to float64.
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %s", n.String())
		}
		return floatToInt64(f)
	default:
		return 0, fmt.Errorf("must be a number, got %T", v)
	}
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f >= 1<<63 || f < -(1<<63) {
		return 0, fmt.Errorf("must be an integer, got %v", f)
	}
	return int64(f), nil
}

// Bool gets a required boolean argument.
func (a Args) Bool(key string) (bool, error) {
	b, err := a.OptBool(key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, required(key)
	}
	return *b, nil
}

// BoolOr gets an optional boolean argument with a default.
func (a Args) BoolOr(key string, defaultVal bool) bool {
	b, err := a.OptBool(key)
	if err != nil || b == nil {
		return defaultVal
	}
	return *b
}

// OptBool returns nil when the key is absent.
func (a Args) OptBool(key string) (*bool, error) {
	if !a.Has(key) {
		return nil, nil
	}
	b, ok := a[key].(bool)
	if !ok {
		return nil, argError(key, "%s must be a boolean, got %T", key, a[key])
	}
	return &b, nil
}

// OptObject returns a JSON object argument, or nil when absent.
func (a Args) OptObject(key string) (map[string]interface{}, error) {
	if !a.Has(key) {
		return nil, nil
	}
	m, ok := a[key].(map[string]interface{})
	if !ok {
		return nil, argError(key, "%s must be an object, got %T", key, a[key])
	}
	return m, nil
}
