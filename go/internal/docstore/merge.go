package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Merge writes fields into dst. Top-level paths replace the value outright;
// dotted paths descend into nested objects, creating them as needed.
func Merge(dst Fields, fields Fields) error {
	for path, raw := range fields {
		if path == "" {
			return fmt.Errorf("empty field path")
		}
		if err := setPath(dst, strings.Split(path, "."), raw); err != nil {
			return fmt.Errorf("merge %s: %w", path, err)
		}
	}
	return nil
}

func setPath(obj Fields, parts []string, raw json.RawMessage) error {
	head := parts[0]
	if head == "" {
		return fmt.Errorf("empty path segment")
	}
	if len(parts) == 1 {
		obj[head] = append(json.RawMessage(nil), raw...)
		return nil
	}

	child := Fields{}
	if existing, ok := obj[head]; ok && !isNull(existing) {
		if err := json.Unmarshal(existing, &child); err != nil {
			return fmt.Errorf("%s is not an object: %w", head, err)
		}
		if child == nil {
			child = Fields{}
		}
	}
	if err := setPath(child, parts[1:], raw); err != nil {
		return err
	}

	encoded, err := json.Marshal(child)
	if err != nil {
		return err
	}
	obj[head] = encoded
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// EncodeObject flattens a JSON object value into top-level Fields.
func EncodeObject(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	fields := Fields{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return fields, nil
}

// DecodeObject reassembles Fields into v.
func DecodeObject(fields Fields, v any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	return nil
}
