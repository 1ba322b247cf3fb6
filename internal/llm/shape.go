package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// NormalizeJSON cleans a model's JSON-mode reply into parseable bytes.
// It strips markdown fences, then coerces the shape drifts small models
// are known to produce:
//   - a bare array is wrapped into {"extracted_entities": [...]}
//   - a scalar "duplicates" value is promoted to a singleton list
//   - string-encoded integers in "duplicate_idx" and "duplicates" are coerced
//   - entities missing "duplicate_idx" get -1
//
// Returns ErrShape when the payload is not JSON at all.
func NormalizeJSON(raw string) ([]byte, error) {
	text := StripFences(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrShape)
	}

	var value interface{}
	if err := jsonx.UnmarshalFromString(text, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}

	switch v := value.(type) {
	case []interface{}:
		value = map[string]interface{}{"extracted_entities": v}
	case map[string]interface{}:
		coerceObject(v)
	default:
		return nil, fmt.Errorf("%w: expected object or array, got %T", ErrShape, value)
	}

	out, err := jsonx.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	return out, nil
}

// StripFences removes a surrounding markdown code block, with or without
// a language tag.
func StripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		head := strings.TrimSpace(text[:idx])
		if head == "json" || head == "" {
			text = text[idx+1:]
		} else if strings.HasPrefix(head, "json") {
			text = strings.TrimPrefix(text, "json")
		}
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func coerceObject(obj map[string]interface{}) {
	if d, ok := obj["duplicates"]; ok {
		obj["duplicates"] = coerceIntList(d)
	}
	if d, ok := obj["duplicate_idx"]; ok {
		obj["duplicate_idx"] = coerceInt(d, -1)
	}

	if raw, ok := obj["extracted_entities"].([]interface{}); ok {
		for _, item := range raw {
			ent, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if d, ok := ent["duplicate_idx"]; ok {
				ent["duplicate_idx"] = coerceInt(d, -1)
			} else {
				ent["duplicate_idx"] = int64(-1)
			}
			if d, ok := ent["duplicates"]; ok {
				ent["duplicates"] = coerceIntList(d)
			}
		}
	}
}

func coerceIntList(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			out = append(out, coerceInt(item, -1))
		}
		return out
	case nil:
		return []interface{}{}
	default:
		return []interface{}{coerceInt(v, -1)}
	}
}

func coerceInt(v interface{}, fallback int64) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
