package itr_test

import (
	"errors"
	"iter"
	"testing"

	"github.com/iidesho/eventsource/itr"
)

func TestCollect(t *testing.T) {
	s, err := itr.FromSlice([]int{1, 2, 3, 4}).Filter(func(v int) bool {
		return v%2 == 0
	}).Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 2 || s[0] != 2 || s[1] != 4 {
		t.Fatal("unexpected filter result", s)
	}
}

func TestFirstLastCount(t *testing.T) {
	seq := itr.FromSlice([]string{"a", "b", "c"})
	v, ok, err := seq.First()
	if err != nil || !ok || v != "a" {
		t.Fatal("first", v, ok, err)
	}
	v, ok, err = seq.Last()
	if err != nil || !ok || v != "c" {
		t.Fatal("last", v, ok, err)
	}
	c, err := seq.Count()
	if err != nil || c != 3 {
		t.Fatal("count", c, err)
	}
	_, ok, err = itr.Empty[string]().First()
	if ok || err != nil {
		t.Fatal("first of empty returned a value")
	}
}

func TestReversedAndTake(t *testing.T) {
	s, err := itr.FromSliceReversed([]int{1, 2, 3}).Take(2).Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 2 || s[0] != 3 || s[1] != 2 {
		t.Fatal("unexpected", s)
	}
	s, _ = itr.FromSlice([]int{1, 2, 3, 1}).TakeWhile(func(v int) bool { return v < 3 }).Collect()
	if len(s) != 2 {
		t.Fatal("take while did not stop", s)
	}
}

func TestErrorStopsSequence(t *testing.T) {
	failure := errors.New("boom")
	seq := itr.Concat(itr.FromSlice([]int{1}), itr.Fail[int](failure), itr.FromSlice([]int{2}))
	s, err := seq.Collect()
	if !errors.Is(err, failure) {
		t.Fatal("expected failure, got", err)
	}
	if len(s) != 1 {
		t.Fatal("values after failure", s)
	}
	_, err = itr.Map(seq, func(v int) string { return "x" }).Count()
	if !errors.Is(err, failure) {
		t.Fatal("map lost the error", err)
	}
}

func TestLazyDoesNotOpenUntilRanged(t *testing.T) {
	opened := 0
	seq := itr.Concat(itr.FromSlice([]int{1, 2}), itr.Lazy(func() itr.ErrIterator[int] {
		opened++
		return itr.FromSlice([]int{3})
	}))
	v, _, _ := seq.First()
	if v != 1 || opened != 0 {
		t.Fatal("lazy part opened early", opened)
	}
	c, _ := seq.Count()
	if c != 3 || opened != 1 {
		t.Fatal("lazy part not opened once", c, opened)
	}
}

func TestPullStaysExhausted(t *testing.T) {
	arr := []int{1}
	next, stop := iter.Pull2(iter.Seq2[int, error](itr.FromSlice(arr)))
	defer stop()
	if _, _, ok := next(); !ok {
		t.Fatal("missing first value")
	}
	if _, _, ok := next(); ok {
		t.Fatal("expected exhaustion")
	}
	if _, _, ok := next(); ok {
		t.Fatal("exhausted iterator resumed")
	}
}

func TestWrapErr(t *testing.T) {
	cause := errors.New("cause")
	seq := itr.Concat(itr.FromSlice([]int{1, 2}), itr.Fail[int](cause), itr.FromSlice([]int{3}))
	s, err := seq.WrapErr(func(err error) error {
		return errors.Join(errors.New("wrapped"), err)
	}).Collect()
	if !errors.Is(err, cause) || err.Error() != "wrapped\ncause" {
		t.Fatal("expected wrapped error", err)
	}
	if len(s) != 2 {
		t.Fatal("expected values before the error", s)
	}
}
