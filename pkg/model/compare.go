package model

import (
	"reflect"
	"strings"
)

// NumericValue widens any Go numeric into a float64 for comparison.
func NumericValue(v interface{}) (float64, bool) {
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
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Equal compares two field values by value: numbers across Go types,
// timestamp-shaped objects by seconds and nanoseconds, slices element-wise,
// everything else by deep equality.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := NumericValue(a); ok {
		bn, ok := NumericValue(b)
		return ok && an == bn
	}
	if at, ok := AsTimestamp(a); ok {
		bt, ok := AsTimestamp(b)
		return ok && at.Compare(bt) == 0
	}
	if as, ok := asSlice(a); ok {
		bs, ok := asSlice(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two field values. The second result is false when the
// values have no defined ordering (mixed or unordered types).
func Compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if at, ok := AsTimestamp(a); ok {
		if bt, ok := AsTimestamp(b); ok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	if an, ok := NumericValue(a); ok {
		bn, ok := NumericValue(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

// Contains reports whether the slice value holds an element equal to v.
// A non-slice haystack never contains anything.
func Contains(haystack interface{}, v interface{}) bool {
	s, ok := asSlice(haystack)
	if !ok {
		return false
	}
	for _, item := range s {
		if Equal(item, v) {
			return true
		}
	}
	return false
}
