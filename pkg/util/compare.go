package util

import (
	"cmp"
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// Comparer is implemented by data types that define their own total order. Keys and values of
// collections either implement Comparer or are one of the built-in ordered types.
type Comparer[T any] interface {
	Compare(other T) int
}

// Compare returns a total order on arbitrary data: -1 if a < b, 0 if a == b and +1 if a > b.
// Built-in ordered types are compared natively, types implementing Comparer use their own
// order, and everything else is compared by its canonical JSON representation. Values with the
// same JSON form, e.g., structs with unexported fields only, are ordered by their Go syntax
// representation.
func Compare[T any](a, b T) int {
	switch av := any(a).(type) {
	case int:
		return cmp.Compare(av, any(b).(int))
	case int64:
		return cmp.Compare(av, any(b).(int64))
	case int32:
		return cmp.Compare(av, any(b).(int32))
	case int16:
		return cmp.Compare(av, any(b).(int16))
	case int8:
		return cmp.Compare(av, any(b).(int8))
	case uint:
		return cmp.Compare(av, any(b).(uint))
	case uint64:
		return cmp.Compare(av, any(b).(uint64))
	case uint32:
		return cmp.Compare(av, any(b).(uint32))
	case uint16:
		return cmp.Compare(av, any(b).(uint16))
	case uint8:
		return cmp.Compare(av, any(b).(uint8))
	case float64:
		return cmp.Compare(av, any(b).(float64))
	case float32:
		return cmp.Compare(av, any(b).(float32))
	case string:
		return cmp.Compare(av, any(b).(string))
	case bool:
		bv := any(b).(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case Comparer[T]:
		return av.Compare(b)
	}

	// Fall back to JSON representation for anything else, e.g., documents.
	if c := cmp.Compare(jsonKey(a), jsonKey(b)); c != 0 {
		return c
	}
	return cmp.Compare(goKey(a), goKey(b))
}

// Equal reports whether two data items are equal in the order defined by Compare.
func Equal[T any](a, b T) bool { return Compare(a, b) == 0 }

func jsonKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func goKey(v any) string { return fmt.Sprintf("%#v", v) }

// Identity returns a string key for a value: values that compare equal by the JSON and Go
// syntax fallback of Compare get the same key.
func Identity(v any) string { return jsonKey(v) + "\x00" + goKey(v) }

// Pair is an ordered pair of data items, ordered lexicographically.
type Pair[A, B any] struct {
	First  A `json:"first"`
	Second B `json:"second"`
}

// NewPair creates a new pair.
func NewPair[A, B any](a A, b B) Pair[A, B] { return Pair[A, B]{First: a, Second: b} }

// Compare implements Comparer.
func (p Pair[A, B]) Compare(other Pair[A, B]) int {
	if c := Compare(p.First, other.First); c != 0 {
		return c
	}
	return Compare(p.Second, other.Second)
}

// String returns a human-readable representation of the pair.
func (p Pair[A, B]) String() string { return fmt.Sprintf("(%v,%v)", p.First, p.Second) }

// Unit is the empty value, used for collections that carry keys only.
type Unit struct{}

// Compare implements Comparer.
func (Unit) Compare(Unit) int { return 0 }

// String returns "()".
func (Unit) String() string { return "()" }
