package model

// FilterOp defines the supported query filter operators.
type FilterOp string

const (
	OpLt               FilterOp = "<"
	OpLte              FilterOp = "<="
	OpEq               FilterOp = "=="
	OpNe               FilterOp = "!="
	OpGte              FilterOp = ">="
	OpGt               FilterOp = ">"
	OpArrayContains    FilterOp = "array-contains"
	OpIn               FilterOp = "in"
	OpArrayContainsAny FilterOp = "array-contains-any"
	OpNotIn            FilterOp = "not-in"

	// OpAny always matches. Unrecognized operators evaluate as OpAny so
	// that a bad clause widens a result set instead of silently dropping
	// documents.
	OpAny FilterOp = "*"
)

// ValidOps returns all valid filter operators.
func ValidOps() []FilterOp {
	return []FilterOp{
		OpLt, OpLte, OpEq, OpNe, OpGte, OpGt,
		OpArrayContains, OpIn, OpArrayContainsAny, OpNotIn, OpAny,
	}
}

// IsValid checks if the operator is valid.
func (op FilterOp) IsValid() bool {
	switch op {
	case OpLt, OpLte, OpEq, OpNe, OpGte, OpGt,
		OpArrayContains, OpIn, OpArrayContainsAny, OpNotIn, OpAny:
		return true
	}
	return false
}

// Filter represents a single where clause.
type Filter struct {
	Field string      `json:"field"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value"`
}

// Validate checks if the filter is well formed.
func (f Filter) Validate() bool {
	return f.Field != "" && f.Op.IsValid()
}

// Order represents a sort key. Direction is "asc" or "desc"; empty means
// ascending.
type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

func (o Order) Descending() bool {
	return o.Direction == "desc"
}
