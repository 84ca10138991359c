package model

import (
	"fmt"
	"time"
)

// Timestamp is the wire shape for point-in-time values: whole seconds since
// the Unix epoch plus a nanosecond remainder. Query evaluation compares
// timestamps by value, never by object identity.
type Timestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// Now returns the current local time as a Timestamp.
func Now() Timestamp {
	t := time.Now()
	return Timestamp{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// Compare returns -1 if t < other, 0 if equal, 1 if t > other.
// Seconds are compared first, then nanoseconds.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Seconds < other.Seconds {
		return -1
	}
	if t.Seconds > other.Seconds {
		return 1
	}
	if t.Nanoseconds < other.Nanoseconds {
		return -1
	}
	if t.Nanoseconds > other.Nanoseconds {
		return 1
	}
	return 0
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanoseconds))
}

// ShortDate formats the timestamp with a fixed locale-independent short date
// layout, used when serializing query names.
func (t Timestamp) ShortDate() string {
	return t.Time().UTC().Format("1/2/06")
}

// AsTimestamp recognizes timestamp-shaped values: Timestamp itself, a pointer
// to one, or a decoded JSON object carrying a "seconds" key.
func AsTimestamp(v interface{}) (Timestamp, bool) {
	switch val := v.(type) {
	case Timestamp:
		return val, true
	case *Timestamp:
		if val == nil {
			return Timestamp{}, false
		}
		return *val, true
	case map[string]interface{}:
		secs, ok := asInt64(val["seconds"])
		if !ok {
			return Timestamp{}, false
		}
		nanos, _ := asInt64(val["nanoseconds"])
		return Timestamp{Seconds: secs, Nanoseconds: int32(nanos)}, true
	case Document:
		return AsTimestamp(map[string]interface{}(val))
	default:
		return Timestamp{}, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", t.Seconds, t.Nanoseconds)
}
