package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// evaluate applies one condition against an attribute bag. A missing
// attribute never matches, regardless of operator.
func evaluate(c Condition, attrs map[string]interface{}) bool {
	actual, ok := attrs[c.Attribute]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpIn:
		return containsValue(toSlice(c.Value), actual, c.CI)
	case OpNotIn:
		return !containsValue(toSlice(c.Value), actual, c.CI)
	case OpEquals:
		return compareEqual(actual, c.Value, c.CI)
	case OpNotEquals:
		return !compareEqual(actual, c.Value, c.CI)
	case OpContains:
		return stringOp(actual, c.Value, c.CI, strings.Contains)
	case OpStartsWith:
		return stringOp(actual, c.Value, c.CI, strings.HasPrefix)
	case OpEndsWith:
		return stringOp(actual, c.Value, c.CI, strings.HasSuffix)
	case OpGreaterThan:
		n, ok := compareNumeric(actual, c.Value)
		return ok && n > 0
	case OpLessThan:
		n, ok := compareNumeric(actual, c.Value)
		return ok && n < 0
	case OpGreaterOrEqual:
		n, ok := compareNumeric(actual, c.Value)
		return ok && n >= 0
	case OpLessOrEqual:
		n, ok := compareNumeric(actual, c.Value)
		return ok && n <= 0
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		actualStr, ok := actual.(string)
		if !ok {
			return false
		}
		if c.CI && !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actualStr)
	default:
		return false
	}
}

// matchAll reports whether every condition in conds holds against attrs.
// An empty condition list always matches.
func matchAll(conds []Condition, attrs map[string]interface{}) bool {
	for _, c := range conds {
		if !evaluate(c, attrs) {
			return false
		}
	}
	return true
}

func toSlice(v interface{}) []interface{} {
	s, ok := v.([]interface{})
	if ok {
		return s
	}
	return nil
}

func containsValue(set []interface{}, actual interface{}, ci bool) bool {
	for _, v := range set {
		if compareEqual(actual, v, ci) {
			return true
		}
	}
	return false
}

func compareEqual(a, b interface{}, ci bool) bool {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if ci {
			return strings.EqualFold(as, bs)
		}
		return as == bs
	}
	if n, ok := compareNumeric(a, b); ok {
		return n == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func stringOp(actual, want interface{}, ci bool, f func(string, string) bool) bool {
	as, ok := actual.(string)
	if !ok {
		return false
	}
	ws, ok := want.(string)
	if !ok {
		return false
	}
	if ci {
		as, ws = strings.ToLower(as), strings.ToLower(ws)
	}
	return f(as, ws)
}

// compareNumeric returns sign(a-b) when both values are numeric, else ok=false.
func compareNumeric(a, b interface{}) (int, bool) {
	af, ok := asFloat(a)
	if !ok {
		return 0, false
	}
	bf, ok := asFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
