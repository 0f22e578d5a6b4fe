package docstore

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"smarttasks/internal/model"
)

// Filter is a condition over document fields. The same filter is evaluated
// in memory by Match and compiled to SQL by Sqlizer.
type Filter interface {
	Match(doc *model.TaskDocument) bool
	Sqlizer() sq.Sqlizer
	fields() []string
}

type op int

const (
	opEq op = iota
	opNe
	opLt
	opGt
	opIn
	opNull
	opNotNull
)

type cond struct {
	field string
	op    op
	value any
}

// Eq matches field == v. A nil or empty optional value matches absent fields.
func Eq(field string, v any) Filter { return cond{field, opEq, v} }

// Ne matches field != v. Absent fields never match, as in SQL.
func Ne(field string, v any) Filter { return cond{field, opNe, v} }

func Lt(field string, v any) Filter { return cond{field, opLt, v} }
func Gt(field string, v any) Filter { return cond{field, opGt, v} }

// In matches when field equals any of values. An empty list matches nothing.
func In(field string, values []string) Filter { return cond{field, opIn, values} }

// IsNull matches absent fields.
func IsNull(field string) Filter { return cond{field, opNull, nil} }

// NotNull matches present fields.
func NotNull(field string) Filter { return cond{field, opNotNull, nil} }

// And matches when every filter matches. An empty And matches everything.
type And []Filter

// Or matches when any filter matches. An empty Or matches nothing.
type Or []Filter

// All matches every document.
func All() Filter { return And{} }

func (c cond) fields() []string { return []string{c.field} }

func (c cond) Match(doc *model.TaskDocument) bool {
	got, err := doc.Field(c.field)
	if err != nil {
		return false
	}

	switch c.op {
	case opNull:
		return got == nil
	case opNotNull:
		return got != nil
	case opIn:
		if got == nil {
			return false
		}
		for _, v := range c.value.([]string) {
			if cmp, ok := compare(got, v); ok && cmp == 0 {
				return true
			}
		}
		return false
	}

	want := normalize(c.value)
	if want == nil {
		switch c.op {
		case opEq:
			return got == nil
		case opNe:
			return got != nil
		default:
			return false
		}
	}
	if got == nil {
		return false
	}

	cmp, ok := compare(got, want)
	if !ok {
		return false
	}
	switch c.op {
	case opEq:
		return cmp == 0
	case opNe:
		return cmp != 0
	case opLt:
		return cmp < 0
	case opGt:
		return cmp > 0
	}
	return false
}

func (c cond) Sqlizer() sq.Sqlizer {
	v := normalize(c.value)
	switch c.op {
	case opEq:
		return sq.Eq{c.field: v}
	case opNe:
		return sq.NotEq{c.field: v}
	case opLt:
		return sq.Lt{c.field: v}
	case opGt:
		return sq.Gt{c.field: v}
	case opIn:
		return sq.Eq{c.field: c.value.([]string)}
	case opNull:
		return sq.Eq{c.field: nil}
	case opNotNull:
		return sq.NotEq{c.field: nil}
	}
	panic(fmt.Sprintf("docstore: unknown operator %d", c.op))
}

func (a And) Match(doc *model.TaskDocument) bool {
	for _, f := range a {
		if !f.Match(doc) {
			return false
		}
	}
	return true
}

func (a And) Sqlizer() sq.Sqlizer {
	out := make(sq.And, 0, len(a))
	for _, f := range a {
		out = append(out, f.Sqlizer())
	}
	return out
}

func (a And) fields() []string { return collectFields(a) }

func (o Or) Match(doc *model.TaskDocument) bool {
	for _, f := range o {
		if f.Match(doc) {
			return true
		}
	}
	return false
}

func (o Or) Sqlizer() sq.Sqlizer {
	out := make(sq.Or, 0, len(o))
	for _, f := range o {
		out = append(out, f.Sqlizer())
	}
	return out
}

func (o Or) fields() []string { return collectFields(o) }

func collectFields(fs []Filter) []string {
	var out []string
	for _, f := range fs {
		out = append(out, f.fields()...)
	}
	return out
}

// equalities returns the top-level field == value pairs of f. Upserts seed
// the inserted document from them.
func equalities(f Filter) map[string]any {
	out := map[string]any{}
	var walk func(Filter)
	walk = func(f Filter) {
		switch v := f.(type) {
		case cond:
			if v.op == opEq && normalize(v.value) != nil {
				out[v.field] = v.value
			}
		case And:
			for _, inner := range v {
				walk(inner)
			}
		}
	}
	walk(f)
	return out
}

// normalize maps typed values onto the representation Field returns.
func normalize(v any) any {
	switch val := v.(type) {
	case model.Urgency:
		if val == model.UrgencyNone {
			return nil
		}
		return string(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return *val
	case int:
		return int64(val)
	default:
		return v
	}
}

func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case int64:
		y, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
