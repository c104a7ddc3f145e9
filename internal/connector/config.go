package connector

import (
	"fmt"
	"time"
)

// Config is the opaque dynamic mapping handed to connectors. Typed
// accessors replace reflection-heavy decoding: connectors validate in
// Init and return a typed error on mismatch.
type Config map[string]any

// String returns a required string value.
func (c Config) String(key string) (string, error) {
	v, ok := c[key]
	if !ok {
		return "", fmt.Errorf("config: missing key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: key %q: expected string, got %T", key, v)
	}
	return s, nil
}

// OptString returns a string value or def when the key is absent.
func (c Config) OptString(key, def string) string {
	s, err := c.String(key)
	if err != nil {
		return def
	}
	return s
}

// Int returns a required integer value. YAML decodes numbers as int or
// float64 depending on shape; both are accepted when lossless.
func (c Config) Int(key string) (int, error) {
	v, ok := c[key]
	if !ok {
		return 0, fmt.Errorf("config: missing key %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("config: key %q: expected integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("config: key %q: expected integer, got %T", key, v)
	}
}

// OptInt returns an integer value or def when the key is absent or
// malformed.
func (c Config) OptInt(key string, def int) int {
	n, err := c.Int(key)
	if err != nil {
		return def
	}
	return n
}

// Bool returns a required boolean value.
func (c Config) Bool(key string) (bool, error) {
	v, ok := c[key]
	if !ok {
		return false, fmt.Errorf("config: missing key %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("config: key %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// OptBool returns a boolean value or def when the key is absent.
func (c Config) OptBool(key string, def bool) bool {
	b, err := c.Bool(key)
	if err != nil {
		return def
	}
	return b
}

// Duration returns a required duration, parsed from a Go duration
// string ("30s", "5m").
func (c Config) Duration(key string) (time.Duration, error) {
	s, err := c.String(key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: key %q: %w", key, err)
	}
	return d, nil
}

// OptDuration returns a duration value or def when the key is absent
// or malformed.
func (c Config) OptDuration(key string, def time.Duration) time.Duration {
	d, err := c.Duration(key)
	if err != nil {
		return def
	}
	return d
}

// StringSlice returns a required list of strings.
func (c Config) StringSlice(key string) ([]string, error) {
	v, ok := c[key]
	if !ok {
		return nil, fmt.Errorf("config: missing key %q", key)
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config: key %q[%d]: expected string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config: key %q: expected string list, got %T", key, v)
	}
}

// OptStringSlice returns a string list or nil when the key is absent.
func (c Config) OptStringSlice(key string) []string {
	list, err := c.StringSlice(key)
	if err != nil {
		return nil
	}
	return list
}

// Sub returns a nested mapping as a Config. Absent keys yield an empty
// Config so callers can chain OptX accessors.
func (c Config) Sub(key string) (Config, error) {
	v, ok := c[key]
	if !ok {
		return Config{}, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return Config(m), nil
	case Config:
		return m, nil
	default:
		return nil, fmt.Errorf("config: key %q: expected mapping, got %T", key, v)
	}
}

// Has reports whether the key is present.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}
