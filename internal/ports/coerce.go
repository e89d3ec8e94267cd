package ports

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// File values travel through the graph as plain maps with these keys. The
// content is inline text; large payloads go through the artifact store and
// reference it by id instead of using the file primitive.
const (
	FileKeyName    = "name"
	FileKeyContent = "content"
	FileKeyMime    = "mime"
)

// Coerce converts v from the source type to the target type. It is pure: no
// I/O, no registry mutation. Callers must have established compatibility via
// Compatible; Coerce returns an error for undeclared conversions.
func (r *Registry) Coerce(v any, from, to Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if isAny(from) || isAny(to) || Equals(from, to) {
		return v, nil
	}
	if from.Kind == KindList && to.Kind == KindList {
		src, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("coerce: expected list value, got %T", v)
		}
		out := make([]any, len(src))
		for i, el := range src {
			c, err := r.Coerce(el, from.ElemType(), to.ElemType())
			if err != nil {
				return nil, fmt.Errorf("coerce: element %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	}
	if from.Kind != KindPrimitive || to.Kind != KindPrimitive {
		return nil, fmt.Errorf("coerce: no conversion from %s to %s", Describe(from), Describe(to))
	}
	if !r.coercible(from.Primitive, to.Primitive) {
		return nil, fmt.Errorf("coerce: %s does not accept %s", to.Primitive, from.Primitive)
	}
	return coercePrimitive(v, from.Primitive, to.Primitive)
}

func coercePrimitive(v any, from, to Primitive) (any, error) {
	switch to {
	case Text:
		switch from {
		case File:
			return fileContent(v)
		case Number:
			switch n := v.(type) {
			case float64:
				return strconv.FormatFloat(n, 'f', -1, 64), nil
			case int:
				return strconv.Itoa(n), nil
			case int64:
				return strconv.FormatInt(n, 10), nil
			}
			return fmt.Sprint(v), nil
		case Boolean:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("coerce: expected boolean, got %T", v)
			}
			return strconv.FormatBool(b), nil
		}
	case JSON:
		switch from {
		case Text:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("coerce: expected text, got %T", v)
			}
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("coerce: parse json: %w", err)
			}
			return out, nil
		case File:
			content, err := fileContent(v)
			if err != nil {
				return nil, err
			}
			var out any
			if err := json.Unmarshal([]byte(content), &out); err != nil {
				return nil, fmt.Errorf("coerce: parse json: %w", err)
			}
			return out, nil
		}
	case Number:
		if from == Text {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("coerce: expected text, got %T", v)
			}
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce: parse number: %w", err)
			}
			return n, nil
		}
	case Boolean:
		if from == Text {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("coerce: expected text, got %T", v)
			}
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
			return nil, fmt.Errorf("coerce: not a boolean: %q", s)
		}
	}
	return nil, fmt.Errorf("coerce: %s does not accept %s", to, from)
}

func fileContent(v any) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("coerce: expected file value, got %T", v)
	}
	switch c := m[FileKeyContent].(type) {
	case string:
		return c, nil
	case []byte:
		return string(c), nil
	default:
		return "", fmt.Errorf("coerce: file value has no content")
	}
}
