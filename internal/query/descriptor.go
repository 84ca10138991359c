// Package query normalizes heterogeneous query inputs (path strings,
// structured descriptors, decoded JSON maps) into the canonical model.Query
// shape and derives the canonical cache names for them.
package query

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"mirage/pkg/model"
)

// rawDescriptor is the loose structured form accepted from callers and
// decoded JSON. Path/ID are aliases for Collection/Doc; Where, OrderBy and
// the cursors accept the flexible shapes the wire format allows.
type rawDescriptor struct {
	Path            string                   `mapstructure:"path"`
	Collection      string                   `mapstructure:"collection"`
	CollectionGroup string                   `mapstructure:"collectionGroup"`
	ID              string                   `mapstructure:"id"`
	Doc             string                   `mapstructure:"doc"`
	Subcollections  []map[string]interface{} `mapstructure:"subcollections"`
	StoreAs         string                   `mapstructure:"storeAs"`
	Where           interface{}              `mapstructure:"where"`
	OrderBy         interface{}              `mapstructure:"orderBy"`
	Limit           int                      `mapstructure:"limit"`
	StartAt         interface{}              `mapstructure:"startAt"`
	StartAfter      interface{}              `mapstructure:"startAfter"`
	EndAt           interface{}              `mapstructure:"endAt"`
	EndBefore       interface{}              `mapstructure:"endBefore"`
}

// Normalize expands any accepted query input into a canonical descriptor.
// Accepted inputs: a slash-delimited path string, a model.Query, or a
// map[string]interface{} in the wire shape. Anything else, or a descriptor
// that names no collection, group or document, fails with
// model.ErrInvalidDescriptor.
func Normalize(input interface{}) (model.Query, error) {
	switch v := input.(type) {
	case string:
		return parsePath(v)
	case model.Query:
		return validate(v)
	case *model.Query:
		if v == nil {
			return model.Query{}, fmt.Errorf("%w: nil descriptor", model.ErrInvalidDescriptor)
		}
		return validate(*v)
	case map[string]interface{}:
		return decodeMap(v)
	default:
		return model.Query{}, fmt.Errorf(
			"%w: only strings and objects are accepted, got %T",
			model.ErrInvalidDescriptor, input)
	}
}

// parsePath expands "coll/doc/subcoll/..." into nested descriptors, the
// segments alternating collection/document.
func parsePath(path string) (model.Query, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return model.Query{}, fmt.Errorf("%w: empty path", model.ErrInvalidDescriptor)
	}

	q := model.Query{Collection: segs[0]}
	if len(segs) > 1 {
		q.Doc = segs[1]
	}
	if len(segs) > 2 {
		sub, err := parsePath(strings.Join(segs[2:], "/"))
		if err != nil {
			return model.Query{}, err
		}
		q.Subcollections = []model.Query{sub}
	}
	return q, nil
}

func decodeMap(m map[string]interface{}) (model.Query, error) {
	var raw rawDescriptor
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return model.Query{}, err
	}
	if err := dec.Decode(m); err != nil {
		return model.Query{}, fmt.Errorf("%w: %v", model.ErrInvalidDescriptor, err)
	}
	return raw.toQuery()
}

func (raw rawDescriptor) toQuery() (model.Query, error) {
	q := model.Query{
		Collection:      firstNonEmpty(raw.Path, raw.Collection),
		Doc:             firstNonEmpty(raw.ID, raw.Doc),
		CollectionGroup: raw.CollectionGroup,
		StoreAs:         raw.StoreAs,
		Limit:           raw.Limit,
	}

	var err error
	if q.Where, err = parseWhere(raw.Where); err != nil {
		return model.Query{}, err
	}
	if q.OrderBy, err = parseOrder(raw.OrderBy); err != nil {
		return model.Query{}, err
	}
	q.StartAt = arrayify(raw.StartAt)
	q.StartAfter = arrayify(raw.StartAfter)
	q.EndAt = arrayify(raw.EndAt)
	q.EndBefore = arrayify(raw.EndBefore)

	for _, sub := range raw.Subcollections {
		subQ, err := decodeMap(sub)
		if err != nil {
			return model.Query{}, err
		}
		q.Subcollections = append(q.Subcollections, subQ)
	}

	return validate(q)
}

func validate(q model.Query) (model.Query, error) {
	if q.Collection == "" && q.CollectionGroup == "" && q.Doc == "" {
		return model.Query{}, fmt.Errorf(
			"%w: path, collection group and/or id are required", model.ErrInvalidDescriptor)
	}
	if q.CollectionGroup != "" && q.Collection != "" {
		return model.Query{}, fmt.Errorf(
			"%w: reference cannot contain both path and collection group", model.ErrInvalidDescriptor)
	}
	for _, f := range q.Where {
		if f.Field == "" {
			return model.Query{}, fmt.Errorf(
				"%w: where clause requires a field", model.ErrInvalidDescriptor)
		}
	}
	return q, nil
}

// parseWhere accepts nil, a flat clause [field, op, value], or a list of
// clauses. A non-array where is rejected.
func parseWhere(v interface{}) ([]model.Filter, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: where parameter must be an array", model.ErrInvalidDescriptor)
	}
	if len(list) == 0 {
		return nil, nil
	}

	clauses := list
	if _, flat := list[0].(string); flat {
		clauses = []interface{}{list}
	}

	filters := make([]model.Filter, 0, len(clauses))
	for _, c := range clauses {
		tuple, ok := c.([]interface{})
		if !ok || len(tuple) != 3 {
			return nil, fmt.Errorf(
				"%w: where clause must be a [field, op, value] tuple", model.ErrInvalidDescriptor)
		}
		field, _ := tuple[0].(string)
		op, _ := tuple[1].(string)
		if field == "" {
			return nil, fmt.Errorf("%w: where clause requires a field", model.ErrInvalidDescriptor)
		}
		filters = append(filters, model.Filter{Field: field, Op: model.FilterOp(op), Value: tuple[2]})
	}
	return filters, nil
}

// parseOrder accepts nil, "field", ["field", "desc"], or a list of either.
func parseOrder(v interface{}) ([]model.Order, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []model.Order{{Field: s}}, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: orderBy parameter must be an array or string", model.ErrInvalidDescriptor)
	}
	if len(list) == 0 {
		return nil, nil
	}

	clauses := list
	if _, flat := list[0].(string); flat {
		clauses = []interface{}{list}
	}

	orders := make([]model.Order, 0, len(clauses))
	for _, c := range clauses {
		switch tuple := c.(type) {
		case string:
			orders = append(orders, model.Order{Field: tuple})
		case []interface{}:
			if len(tuple) == 0 {
				continue
			}
			field, _ := tuple[0].(string)
			dir := ""
			if len(tuple) > 1 {
				dir, _ = tuple[1].(string)
			}
			orders = append(orders, model.Order{Field: field, Direction: dir})
		default:
			return nil, fmt.Errorf("%w: orderBy clause must be a string or tuple", model.ErrInvalidDescriptor)
		}
	}
	return orders, nil
}

func arrayify(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
