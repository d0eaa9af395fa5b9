// Package managed implements the tagged ownership wrapper described in
// spec §2/§9: an entry is either adopted (the model owns the value and is
// responsible for it) or bound (a caller-owned value the model only
// references). Recast from the original's runtime-flag templated wrapper
// into a tagged sum, per the REDESIGN guidance in spec §9: never share the
// same underlying value across an Adopted and a Bound handle.
package managed

import "github.com/iacfabric/iac"

// Entry holds one value under one ownership mode.
type Entry[T any] struct {
	value   *T
	adopted bool
}

// Adopt wraps v as model-owned. The model may freely discard its reference
// when the entry is removed; there is nothing else to free under Go's GC,
// but Adopted still marks the value as something only this entry reaches.
func Adopt[T any](v *T) Entry[T] {
	return Entry[T]{value: v, adopted: true}
}

// Bind wraps v as caller-owned; the model must not assume it may be the
// only reference.
func Bind[T any](v *T) Entry[T] {
	return Entry[T]{value: v, adopted: false}
}

// IsAdopted reports whether this entry owns its value.
func (e Entry[T]) IsAdopted() bool {
	return e.adopted
}

// Empty reports whether this entry holds no value.
func (e Entry[T]) Empty() bool {
	return e.value == nil
}

// Value dereferences the entry, failing fatally (spec §7) if it is empty.
func (e Entry[T]) Value() (*T, error) {
	if e.value == nil {
		return nil, iac.ErrEmptyNetworkEntryDereference
	}
	return e.value, nil
}

// MustValue dereferences the entry, panicking if empty. Used only where an
// empty entry would itself be an invariant violation already guarded by a
// table lookup (e.g. an entry just fetched successfully from a map).
func (e Entry[T]) MustValue() *T {
	if e.value == nil {
		panic("managed: dereferenced empty entry")
	}
	return e.value
}

// Rebind replaces the wrapped value of a Bound entry. Rebinding an Adopted
// entry, or rebinding onto a non-empty entry, is a fatal misuse (spec §7).
func (e *Entry[T]) Rebind(v *T) error {
	if e.adopted {
		return iac.ErrBindingToNonEmpty
	}
	if !e.Empty() {
		return iac.ErrBindingToNonEmpty
	}
	e.value = v
	return nil
}
