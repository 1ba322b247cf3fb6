package profile

import (
	"fmt"
	"strings"
)

// Slots values are either a string or a []string; JSON decoding hands
// back []interface{} for lists, so everything funnels through the
// coercion helpers here.

// JudgeFunc adjudicates a contested llm_judge slot and returns the
// value to keep.
type JudgeFunc func(key, oldValue, newValue string) string

// Merge applies newSlots onto current following each slot's strategy
// and returns the keys that changed, deduplicated. current is mutated.
// Unknown keys and empty values are skipped; an extracted "" never
// lands as a new slot and never replaces an existing value.
func Merge(current, newSlots map[string]interface{}, judge JudgeFunc) []string {
	updated := make(map[string]bool)

	for key, newValue := range newSlots {
		if IsEmpty(newValue) {
			continue
		}
		slot, ok := Lookup(key)
		if !ok {
			continue
		}

		oldValue, exists := current[key]
		if !exists || oldValue == nil {
			current[key] = newValue
			updated[key] = true
			continue
		}

		switch slot.Strategy {
		case StrategyReplace:
			current[key] = newValue
			updated[key] = true
		case StrategyAppend:
			merged, changed := unionAppend(oldValue, newValue)
			current[key] = merged
			if changed {
				updated[key] = true
			}
		case StrategyLLMJudge:
			judged := judge(key, Stringify(oldValue), Stringify(newValue))
			if judged != Stringify(oldValue) {
				current[key] = judged
				updated[key] = true
			}
		}
	}

	keys := make([]string, 0, len(updated))
	for k := range updated {
		keys = append(keys, k)
	}
	return keys
}

// Apply lands pre-adjudicated updates onto current without consulting
// a judge: append slots union, everything else replaces. Empty values
// never land. Returns changed count and per-update errors.
func Apply(current map[string]interface{}, updates []SlotUpdate) (int, []string) {
	changed := 0
	var errs []string

	for _, u := range updates {
		if IsEmpty(u.Value) {
			continue
		}
		slot, ok := Lookup(u.Slot)
		if !ok {
			errs = append(errs, fmt.Sprintf("无效槽位: %s", u.Slot))
			continue
		}

		if slot.Strategy == StrategyAppend {
			merged, didChange := unionAppend(current[u.Slot], u.Value)
			current[u.Slot] = merged
			if didChange {
				changed++
			}
			continue
		}

		if Stringify(current[u.Slot]) != Stringify(u.Value) {
			current[u.Slot] = u.Value
			changed++
		}
	}
	return changed, errs
}

// SlotUpdate is one pre-adjudicated write.
type SlotUpdate struct {
	Slot     string      `json:"slot"`
	Value    interface{} `json:"value"`
	Evidence string      `json:"evidence,omitempty"`
}

// unionAppend merges newValue into oldValue as a set-union list that
// preserves insertion order.
func unionAppend(oldValue, newValue interface{}) ([]string, bool) {
	list := AsList(oldValue)
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}

	changed := false
	for _, v := range AsList(newValue) {
		if v == "" || seen[v] {
			continue
		}
		list = append(list, v)
		seen[v] = true
		changed = true
	}
	return list, changed
}

// AsList coerces a slot value to []string. Scalars become singletons,
// nil becomes empty.
func AsList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := Stringify(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return []string{Stringify(v)}
	}
}

// Stringify renders a slot value for prompts and comparisons; lists
// join with 、.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "、")
	case []interface{}:
		return strings.Join(AsList(t), "、")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// IsEmpty reports whether a value must never be persisted: nil, blank
// strings and lists with no non-blank members.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		for _, item := range t {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	case []interface{}:
		for _, item := range t {
			if !IsEmpty(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Render builds the system prompt block from a user's slots, grouped
// by category. Empty profiles render as "".
func Render(slots map[string]interface{}) string {
	if len(slots) == 0 {
		return ""
	}

	lines := []string{"## 用户画像"}
	for _, cat := range CategoriesInOrder() {
		var items []string
		for _, key := range cat.Keys {
			v, ok := slots[key]
			if !ok || IsEmpty(v) {
				continue
			}
			slot, _ := Lookup(key)
			items = append(items, fmt.Sprintf("- %s: %s", slot.Description, Stringify(v)))
		}
		if len(items) > 0 {
			lines = append(lines, "\n### "+cat.Name)
			lines = append(lines, items...)
		}
	}

	if len(lines) == 1 {
		return ""
	}
	return strings.Join(lines, "\n")
}
