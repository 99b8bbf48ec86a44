package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"golang-reconciliation-service/internal/models"
)

// Operator is a comparison understood by the remote search methods.
type Operator string

const (
	OpEq    Operator = "="
	OpNe    Operator = "!="
	OpGte   Operator = ">="
	OpLte   Operator = "<="
	OpIn    Operator = "in"
	OpILike Operator = "ilike"
)

// Predicate is one [field, operator, value] clause.
type Predicate struct {
	Field    string
	Operator Operator
	Value    interface{}
}

func Eq(field string, value interface{}) Predicate {
	return Predicate{Field: field, Operator: OpEq, Value: value}
}

func Gte(field string, value interface{}) Predicate {
	return Predicate{Field: field, Operator: OpGte, Value: value}
}

func Lte(field string, value interface{}) Predicate {
	return Predicate{Field: field, Operator: OpLte, Value: value}
}

func In(field string, values ...interface{}) Predicate {
	return Predicate{Field: field, Operator: OpIn, Value: values}
}

// Contains matches a case-insensitive substring.
func Contains(field, text string) Predicate {
	return Predicate{Field: field, Operator: OpILike, Value: text}
}

// Between expands to field >= from AND field <= to.
func Between(field string, from, to interface{}) []Predicate {
	return []Predicate{Gte(field, from), Lte(field, to)}
}

// Domain is a conjunction of predicates. The zero value matches everything.
type Domain struct {
	predicates []Predicate
}

// Where starts a domain from predicates.
func Where(predicates ...Predicate) Domain {
	return Domain{}.And(predicates...)
}

// And returns a copy of d with more predicates appended.
func (d Domain) And(predicates ...Predicate) Domain {
	next := make([]Predicate, 0, len(d.predicates)+len(predicates))
	next = append(next, d.predicates...)
	next = append(next, predicates...)
	return Domain{predicates: next}
}

// Predicates returns the clauses in order.
func (d Domain) Predicates() []Predicate {
	return append([]Predicate(nil), d.predicates...)
}

// Len returns the number of clauses.
func (d Domain) Len() int {
	return len(d.predicates)
}

// Has reports whether a clause on field exists.
func (d Domain) Has(field string) bool {
	for _, p := range d.predicates {
		if p.Field == field {
			return true
		}
	}
	return false
}

// Value returns the value of the first clause on field with operator op.
func (d Domain) Value(field string, op Operator) (interface{}, bool) {
	for _, p := range d.predicates {
		if p.Field == field && p.Operator == op {
			return p.Value, true
		}
	}
	return nil, false
}

// Wire renders the domain as a list of [field, operator, value] triples.
// Adjacent triples are implicitly AND-ed by the remote service.
func (d Domain) Wire() []interface{} {
	wire := make([]interface{}, 0, len(d.predicates))
	for _, p := range d.predicates {
		wire = append(wire, []interface{}{p.Field, string(p.Operator), wireValue(p.Value)})
	}
	return wire
}

func (d Domain) String() string {
	parts := make([]string, 0, len(d.predicates))
	for _, p := range d.predicates {
		parts = append(parts, fmt.Sprintf("%s %s %v", p.Field, p.Operator, wireValue(p.Value)))
	}
	return "[" + strings.Join(parts, " AND ") + "]"
}

func wireValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.Format(models.DateLayout)
	case decimal.Decimal:
		f, _ := val.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = wireValue(item)
		}
		return out
	default:
		return v
	}
}
