package itr

import (
	"iter"
)

// ErrIterator is a finite lazy sequence where every step may carry an error.
// A producer yields at most one non nil error and stops after it.
type ErrIterator[V any] iter.Seq2[V, error]

func FromSlice[V any](arr []V) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for _, v := range arr {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// FromSliceReversed walks arr from the back.
func FromSliceReversed[V any](arr []V) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for i := len(arr) - 1; i >= 0; i-- {
			if !yield(arr[i], nil) {
				return
			}
		}
	}
}

func Empty[V any]() ErrIterator[V] {
	return func(yield func(V, error) bool) {}
}

func Fail[V any](err error) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		var v V
		yield(v, err)
	}
}

// Lazy defers building the underlying sequence until it is ranged over.
func Lazy[V any](open func() ErrIterator[V]) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		open()(yield)
	}
}

// Concat ranges the sequences one after another, stopping at the first error.
func Concat[V any](seqs ...ErrIterator[V]) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for _, seq := range seqs {
			for v, err := range seq {
				if !yield(v, err) || err != nil {
					return
				}
			}
		}
	}
}

func Map[V, U any](seq ErrIterator[V], f func(V) U) ErrIterator[U] {
	return func(yield func(U, error) bool) {
		for v, err := range seq {
			if err != nil {
				var u U
				yield(u, err)
				return
			}
			if !yield(f(v), nil) {
				return
			}
		}
	}
}

// WrapErr passes the error of the sequence through wrap.
func (seq ErrIterator[V]) WrapErr(wrap func(error) error) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for v, err := range seq {
			if err != nil {
				yield(v, wrap(err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (seq ErrIterator[V]) Filter(keep func(v V) bool) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for v, err := range seq {
			if err == nil && !keep(v) {
				continue
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// TakeWhile stops the sequence at the first value not accepted by keep.
func (seq ErrIterator[V]) TakeWhile(keep func(v V) bool) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		for v, err := range seq {
			if err == nil && !keep(v) {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

func (seq ErrIterator[V]) Take(n int) ErrIterator[V] {
	return func(yield func(V, error) bool) {
		if n <= 0 {
			return
		}
		i := 0
		for v, err := range seq {
			if !yield(v, err) || err != nil {
				return
			}
			i++
			if i >= n {
				return
			}
		}
	}
}

func (seq ErrIterator[V]) Collect() ([]V, error) {
	s := []V{}
	for v, err := range seq {
		if err != nil {
			return s, err
		}
		s = append(s, v)
	}
	return s, nil
}

func (seq ErrIterator[V]) First() (v V, ok bool, err error) {
	for v, err := range seq {
		if err != nil {
			var zero V
			return zero, false, err
		}
		return v, true, nil
	}
	return
}

func (seq ErrIterator[V]) Last() (v V, ok bool, err error) {
	for o, err := range seq {
		if err != nil {
			var zero V
			return zero, false, err
		}
		v = o
		ok = true
	}
	return
}

func (seq ErrIterator[V]) Count() (int, error) {
	c := 0
	for _, err := range seq {
		if err != nil {
			return c, err
		}
		c++
	}
	return c, nil
}
