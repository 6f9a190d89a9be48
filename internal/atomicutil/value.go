// Package atomicutil contains helpers for working with the atomic package.
package atomicutil

import "sync/atomic"

// Value is a type-safe wrapper around atomic.Value. The zero state loads the
// zero value of T.
type Value[T any] struct {
	value atomic.Value
}

// NewValue creates a new Value initialized to init.
func NewValue[T any](init T) *Value[T] {
	v := new(Value[T])
	v.value.Store(init)
	return v
}

// Load loads the value atomically.
func (v *Value[T]) Load() T {
	var def T
	if v == nil {
		return def
	}
	cur, ok := v.value.Load().(T)
	if !ok {
		return def
	}
	return cur
}

// Store stores the value atomically.
func (v *Value[T]) Store(val T) {
	v.value.Store(val)
}
