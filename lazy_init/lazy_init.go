package lazy_init

import "sync"

// LazyInit is lazy value initialization type.
// It constructs the value on first access. Unlike sync.Once a failed
// construction is not remembered: the next access runs the constructor again.
type LazyInit[T any] struct {
	// constructor is an object construction function.
	constructor func() (T, error)

	mu sync.Mutex

	// done is set once constructor returned without error.
	done bool

	// value is a lazy initialized value variable.
	value T
}

// NewLazyInit creates a new lazy initialization variable.
// It takes a constructor function to make an object.
func NewLazyInit[T any](constructor func() (T, error)) *LazyInit[T] {
	return &LazyInit[T]{constructor: constructor}
}

// GetValue returns initialized value or error if something wrong happened.
func (l *LazyInit[T]) GetValue() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.value, nil
	}
	value, err := l.constructor()
	if err != nil {
		var zero T
		return zero, err
	}
	l.value, l.done = value, true
	return l.value, nil
}

// Initialized reports whether a value has been constructed.
func (l *LazyInit[T]) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Reset drops the constructed value and returns it together with whether
// there was one, so the caller can release it.
func (l *LazyInit[T]) Reset() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, done := l.value, l.done
	var zero T
	l.value, l.done = zero, false
	return value, done
}
