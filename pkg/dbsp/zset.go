package dbsp

import (
	"fmt"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/json"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

// ZSet is a snapshot of a collection: a multiset of (key, value) records with signed
// multiplicities. Records are identified by their JSON representation, so keys and values need
// not be comparable.
type ZSet[K, V any] struct {
	entries map[string]*ZSetEntry[K, V] // JSON key -> entry
}

// ZSetEntry is a record with its multiplicity.
type ZSetEntry[K, V any] struct {
	Key          K     `json:"key"`
	Val          V     `json:"val"`
	Multiplicity int64 `json:"multiplicity"`
}

// ZSetError is a Z-set operation failure.
type ZSetError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ZSetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ZSetError) Unwrap() error { return e.Cause }

func newZSetError(message string, cause error) error {
	return &ZSetError{Message: message, Cause: cause}
}

// NewZSet creates an empty Z-set.
func NewZSet[K, V any]() *ZSet[K, V] {
	return &ZSet[K, V]{entries: make(map[string]*ZSetEntry[K, V])}
}

// ZSetFromCursor accumulates every key of a cursor at time t.
func ZSetFromCursor[K, V any, T lattice.Lattice[T]](c trace.Cursor[K, V, T], t T) (*ZSet[K, V], error) {
	result := NewZSet[K, V]()
	for ; c.KeyValid(); c.StepKey() {
		k := c.Key()
		for _, v := range c.ValuesAt(t) {
			if err := result.Insert(k, v.Val, v.Diff); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func recordKey[K, V any](k K, v V) (string, error) {
	if _, err := json.Marshal(util.NewPair(k, v)); err != nil {
		return "", newZSetError("failed to compute record key", err)
	}
	return util.Identity(util.NewPair(k, v)), nil
}

// Insert adds a record with the given multiplicity in place.
func (z *ZSet[K, V]) Insert(k K, v V, count int64) error {
	if count == 0 {
		return nil
	}
	key, err := recordKey(k, v)
	if err != nil {
		return err
	}
	e, ok := z.entries[key]
	if !ok {
		z.entries[key] = &ZSetEntry[K, V]{Key: k, Val: v, Multiplicity: count}
		return nil
	}
	e.Multiplicity += count
	if e.Multiplicity == 0 {
		delete(z.entries, key)
	}
	return nil
}

// Add performs Z-set addition and returns the result in a new Z-set.
func (z *ZSet[K, V]) Add(other *ZSet[K, V]) (*ZSet[K, V], error) {
	return z.combine(other, 1, "failed to add record during Z-set addition")
}

// Subtract performs Z-set subtraction and returns the result in a new Z-set.
func (z *ZSet[K, V]) Subtract(other *ZSet[K, V]) (*ZSet[K, V], error) {
	return z.combine(other, -1, "failed to subtract record during Z-set subtraction")
}

func (z *ZSet[K, V]) combine(other *ZSet[K, V], sign int64, msg string) (*ZSet[K, V], error) {
	result := z.Clone()
	if other == nil {
		return result, nil
	}
	for _, e := range other.entries {
		if err := result.Insert(e.Key, e.Val, sign*e.Multiplicity); err != nil {
			return nil, newZSetError(msg, err)
		}
	}
	return result, nil
}

// Distinct converts the Z-set to set semantics: records with positive multiplicity are kept
// once, the rest are dropped.
func (z *ZSet[K, V]) Distinct() *ZSet[K, V] {
	result := NewZSet[K, V]()
	for key, e := range z.entries {
		if e.Multiplicity > 0 {
			result.entries[key] = &ZSetEntry[K, V]{Key: e.Key, Val: e.Val, Multiplicity: 1}
		}
	}
	return result
}

// Clone copies the Z-set. Keys and values are shared.
func (z *ZSet[K, V]) Clone() *ZSet[K, V] {
	result := &ZSet[K, V]{entries: make(map[string]*ZSetEntry[K, V], len(z.entries))}
	for key, e := range z.entries {
		c := *e
		result.entries[key] = &c
	}
	return result
}

// Entries returns the records with their multiplicities, including negative ones, sorted by key
// and value.
func (z *ZSet[K, V]) Entries() []ZSetEntry[K, V] {
	result := make([]ZSetEntry[K, V], 0, len(z.entries))
	for _, e := range z.entries {
		result = append(result, *e)
	}
	slices.SortFunc(result, func(a, b ZSetEntry[K, V]) int {
		if c := util.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return util.Compare(a.Val, b.Val)
	})
	return result
}

// Multiplicity returns the multiplicity of a record.
func (z *ZSet[K, V]) Multiplicity(k K, v V) (int64, error) {
	key, err := recordKey(k, v)
	if err != nil {
		return 0, err
	}
	if e, ok := z.entries[key]; ok {
		return e.Multiplicity, nil
	}
	return 0, nil
}

// Contains checks if a record is present with positive multiplicity.
func (z *ZSet[K, V]) Contains(k K, v V) (bool, error) {
	m, err := z.Multiplicity(k, v)
	if err != nil {
		return false, err
	}
	return m > 0, nil
}

// IsZero checks if the Z-set is empty.
func (z *ZSet[K, V]) IsZero() bool { return len(z.entries) == 0 }

// Size returns the number of records counting only positive multiplicities.
func (z *ZSet[K, V]) Size() int64 {
	total := int64(0)
	for _, e := range z.entries {
		if e.Multiplicity > 0 {
			total += e.Multiplicity
		}
	}
	return total
}

// UniqueCount returns the number of distinct records with positive multiplicity.
func (z *ZSet[K, V]) UniqueCount() int {
	count := 0
	for _, e := range z.entries {
		if e.Multiplicity > 0 {
			count++
		}
	}
	return count
}

// Equal reports whether two Z-sets hold the same records with the same multiplicities.
func (z *ZSet[K, V]) Equal(other *ZSet[K, V]) bool {
	if len(z.entries) != len(other.entries) {
		return false
	}
	for key, e := range z.entries {
		o, ok := other.entries[key]
		if !ok || o.Multiplicity != e.Multiplicity {
			return false
		}
	}
	return true
}

// String returns a string representation of the Z-set for debugging.
func (z *ZSet[K, V]) String() string {
	if z.IsZero() {
		return "∅"
	}
	parts := util.Map(func(e ZSetEntry[K, V]) string {
		return fmt.Sprintf("(%s,%s)×%d", util.Stringify(e.Key), util.Stringify(e.Val), e.Multiplicity)
	}, z.Entries())
	return "{" + strings.Join(parts, ", ") + "}"
}
