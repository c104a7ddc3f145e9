package dotpath

import (
	"fmt"
	"regexp"
	"strings"
)

// Resolve resolves a dot-notation path against nested map data.
// Returns the resolved value or an error if the path cannot be traversed.
func Resolve(data map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: cannot traverse into non-object at %q", path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q not found", path, part)
		}
	}
	return current, nil
}

// Exists reports whether the path resolves against data.
func Exists(data map[string]any, path string) bool {
	_, err := Resolve(data, path)
	return err == nil
}

// ResolveString resolves a path and formats the value as a string.
// Missing paths yield the empty string.
func ResolveString(data map[string]any, path string) string {
	val, err := Resolve(data, path)
	if err != nil || val == nil {
		return ""
	}
	return fmt.Sprintf("%v", val)
}

// Set writes value at a dot-notation path, creating intermediate
// objects as needed. Fails if an intermediate segment resolves to a
// non-object.
func Set(data map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			child := map[string]any{}
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q: cannot descend into non-object at %q", path, part)
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
	return nil
}

var templateRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Template substitutes {{dot.path}} placeholders in s with values
// resolved against data. Unresolvable placeholders become the empty
// string.
func Template(s string, data map[string]any) string {
	return templateRe.ReplaceAllStringFunc(s, func(m string) string {
		path := templateRe.FindStringSubmatch(m)[1]
		return ResolveString(data, path)
	})
}
