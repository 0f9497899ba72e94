package storage

import (
	"fmt"
	"time"
)

// Matches evaluates a filter against a document. A nil or empty filter
// matches every document. Field conditions combine conjunctively;
// "$and" and "$or" combine sub-filters explicitly.
func Matches(filter Filter, doc Document) bool {
	if len(filter) == 0 {
		return true
	}
	for key, cond := range filter {
		switch key {
		case "$and":
			subs, ok := filterList(cond)
			if !ok {
				return false
			}
			for _, sub := range subs {
				if !Matches(sub, doc) {
					return false
				}
			}
		case "$or":
			subs, ok := filterList(cond)
			if !ok {
				return false
			}
			matched := false
			for _, sub := range subs {
				if Matches(sub, doc) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			ops, ok := cond.(map[string]any)
			if !ok {
				return false
			}
			value, present := doc[key]
			for op, operand := range ops {
				if !compare(op, value, present, operand) {
					return false
				}
			}
		}
	}
	return true
}

func filterList(cond any) ([]Filter, bool) {
	switch v := cond.(type) {
	case []Filter:
		return v, true
	case []any:
		subs := make([]Filter, 0, len(v))
		for _, item := range v {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			subs = append(subs, sub)
		}
		return subs, true
	default:
		return nil, false
	}
}

func compare(op string, value any, present bool, operand any) bool {
	switch op {
	case "$eq":
		return present && equal(value, operand)
	case "$ne":
		return !present || !equal(value, operand)
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		c, ok := order(value, operand)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

func equal(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Equal(tb)
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// order returns -1/0/1 for a relative to b, or ok=false when the values
// are not comparable.
func order(a, b any) (int, bool) {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
