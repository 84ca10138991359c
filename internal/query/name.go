package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mirage/pkg/model"
)

// shortDate is a fixed locale-independent layout for date-valued query
// parameters, so the same logical query always serializes to the same name.
const shortDate = "1/2/06, 15:04"

// Name builds the canonical cache key for a descriptor. A storeAs alias is
// returned verbatim; otherwise the name is
// collectionOrGroup[/id][/subcollections...][?params].
func Name(q model.Query) string {
	if q.StoreAs != "" {
		return q.StoreAs
	}
	return buildName(q, true)
}

// BaseName is Name without the top-level document id segment. It keys
// per-collection override and reprocessing lookups.
func BaseName(q model.Query) string {
	if q.StoreAs != "" {
		return q.StoreAs
	}
	return buildName(q, false)
}

func buildName(q model.Query, withDoc bool) string {
	base := q.Collection
	if base == "" {
		base = q.CollectionGroup
	}
	if withDoc && q.Doc != "" {
		base += "/" + q.Doc
	}
	if q.Collection != "" {
		for _, sub := range q.Subcollections {
			base += "/" + Name(sub)
		}
	}
	if params := serializeParams(q); params != "" {
		base += "?" + params
	}
	return base
}

// serializeParams renders query parameters in a fixed key order so the name
// is independent of how the descriptor was assembled.
func serializeParams(q model.Query) string {
	var parts []string

	if len(q.Where) > 0 {
		clauses := make([]string, len(q.Where))
		for i, f := range q.Where {
			clauses[i] = "where=" + f.Field + ":" + string(f.Op) + ":" + formatValue(f.Value)
		}
		parts = append(parts, strings.Join(clauses, ","))
	}
	if len(q.OrderBy) > 0 {
		clauses := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			if o.Direction != "" {
				clauses[i] = "orderBy=" + o.Field + ":" + o.Direction
			} else {
				clauses[i] = "orderBy=" + o.Field
			}
		}
		parts = append(parts, strings.Join(clauses, ","))
	}
	if q.Limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(q.Limit))
	}
	for _, cursor := range []struct {
		key    string
		values []interface{}
	}{
		{"startAfter", q.StartAfter},
		{"startAt", q.StartAt},
		{"endAt", q.EndAt},
		{"endBefore", q.EndBefore},
	} {
		if len(cursor.values) > 0 {
			parts = append(parts, cursor.key+"="+formatValues(cursor.values))
		}
	}

	return strings.Join(parts, "&")
}

func formatValues(values []interface{}) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatValue(v)
	}
	return strings.Join(out, ":")
}

func formatValue(v interface{}) string {
	if ts, ok := model.AsTimestamp(v); ok {
		return ts.Time().UTC().Format(shortDate)
	}
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(shortDate)
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case []interface{}:
		return strings.Join(mapFormat(val), ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func mapFormat(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatValue(v)
	}
	return out
}
