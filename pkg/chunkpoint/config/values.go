package config

import (
	"strconv"
	"strings"
	"time"
)

// Values wraps a map[string]any for type-safe value extraction. It holds
// one configuration layer (a parsed file or the environment). Accessors
// return the default when the key is missing or the value cannot be
// converted, so a layer only overrides what it actually sets.
type Values struct {
	data map[string]any
}

// NewValues creates Values from the given map. A nil map is treated as empty.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// String returns the string value for key, or defaultVal if missing or not a string.
func (v Values) String(key, defaultVal string) string {
	if s, ok := v.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration, or as seconds when numeric
//   - int, int64, float64: interpreted as seconds
//   - time.Duration: used directly
func (v Values) Duration(key string, defaultVal time.Duration) time.Duration {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}
	switch val := raw.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or invalid.
// Strings "true", "1" and "yes" are true, "false", "0" and "no" are false.
func (v Values) Bool(key string, defaultVal bool) bool {
	switch val := v.data[key].(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
//
// Accepts:
//   - int: used directly
//   - int64: converted to int
//   - float64: converted only if there is no fractional part
//   - string: parsed as a base 10 integer
func (v Values) Int(key string, defaultVal int) int {
	switch val := v.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal if missing or not convertible.
func (v Values) Float(key string, defaultVal float64) float64 {
	switch val := v.data[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// StringMap returns a map of string values for key, or defaultVal if
// missing or any element is not a string. A string value is parsed as
// comma separated key=value pairs.
func (v Values) StringMap(key string, defaultVal map[string]string) map[string]string {
	switch val := v.data[key].(type) {
	case map[string]string:
		return val
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out[k] = s
		}
		return out
	case string:
		out := make(map[string]string)
		for _, pair := range strings.Split(val, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				return defaultVal
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out
	}
	return defaultVal
}

// Has returns true if the key exists.
func (v Values) Has(key string) bool {
	_, ok := v.data[key]
	return ok
}

// Raw returns the underlying map. The returned map should not be modified.
func (v Values) Raw() map[string]any {
	return v.data
}
