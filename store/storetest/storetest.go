// Package storetest is the conformance suite every backend runs against its own Store.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
)

// Factory returns the store a single case runs against. Shared backends may
// return the same store every time, cases only look at their own categories.
type Factory[P comparable] func(t *testing.T) store.Store[P]

type suite[P comparable] struct {
	newStore Factory[P]
	ctx      context.Context
}

func Run[P comparable](t *testing.T, newStore Factory[P]) {
	s := suite[P]{
		newStore: newStore,
		ctx:      context.Background(),
	}
	t.Run("ReadWrittenEvents", s.readWrittenEvents)
	t.Run("ExhaustedIteratorStaysExhausted", s.exhaustedIteratorStaysExhausted)
	t.Run("ReadStreamFromEventNumber", s.readStreamFromEventNumber)
	t.Run("ReadStreamBackwards", s.readStreamBackwards)
	t.Run("ReadLastEventInStream", s.readLastEventInStream)
	t.Run("StreamNotFound", s.streamNotFound)
	t.Run("ReadAll", s.readAll)
	t.Run("ResumeReadAll", s.resumeReadAll)
	t.Run("ReadAllBackwardsFromPosition", s.readAllBackwardsFromPosition)
	t.Run("EmptyCategory", s.emptyCategory)
	t.Run("ExpectedVersion", s.expectedVersion)
	t.Run("ExpectedVersionOnNewStream", s.expectedVersionOnNewStream)
	t.Run("ReadCategory", s.readCategory)
	t.Run("ReadCategories", s.readCategories)
	t.Run("HyphenatedCategory", s.hyphenatedCategory)
	t.Run("ConcurrentWriters", s.concurrentWriters)
	t.Run("ReadLastEvent", s.readLastEvent)
	t.Run("ExecuteBatch", s.executeBatch)
	t.Run("ExecuteBatchPartialFailure", s.executeBatchPartialFailure)
	t.Run("ExecuteBatchDuplicateStream", s.executeBatchDuplicateStream)
	t.Run("PositionCodec", s.positionCodec)
}

// NewCategory returns a category no other run has used.
func NewCategory() string {
	return "test" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

func NewEvent(eventType, data string) store.NewEvent {
	return store.NewEvent{
		Type:     eventType,
		Data:     []byte(data),
		Metadata: []byte(`{"source":"storetest"}`),
	}
}

func Collect[P any](t *testing.T, seq itr.ErrIterator[store.ResolvedEvent[P]]) []store.ResolvedEvent[P] {
	t.Helper()
	events, err := seq.Collect()
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func InCategories[P any](events []store.ResolvedEvent[P], categories ...string) []store.ResolvedEvent[P] {
	s, _ := itr.FromSlice(events).Filter(store.InCategories[P](categories)).Collect()
	return s
}

func EventNumbers[P any](events []store.ResolvedEvent[P]) []int64 {
	numbers := make([]int64, len(events))
	for i, e := range events {
		numbers[i] = e.Record.EventNumber
	}
	return numbers
}

// SameRecords compares the records, positions are ignored.
func SameRecords[P1, P2 any](a []store.ResolvedEvent[P1], b []store.ResolvedEvent[P2]) error {
	if len(a) != len(b) {
		return fmt.Errorf("expected %d events, got %d", len(a), len(b))
	}
	for i := range a {
		ra, rb := a[i].Record, b[i].Record
		if ra.StreamID != rb.StreamID ||
			ra.EventNumber != rb.EventNumber ||
			ra.EventType != rb.EventType ||
			!bytes.Equal(ra.Data, rb.Data) ||
			!bytes.Equal(ra.Metadata, rb.Metadata) {
			return fmt.Errorf("event %d differs: %s/%d %s, got %s/%d %s",
				i, ra.StreamID, ra.EventNumber, ra.EventType, rb.StreamID, rb.EventNumber, rb.EventType)
		}
	}
	return nil
}

func reversed[V any](s []V) []V {
	r := make([]V, len(s))
	for i, v := range s {
		r[len(s)-1-i] = v
	}
	return r
}

func (s suite[P]) write(t *testing.T, st store.Store[P], id store.StreamID, events ...store.NewEvent) {
	t.Helper()
	err := st.Write(s.ctx, id, events)
	if err != nil {
		t.Fatal(err)
	}
}

func (s suite[P]) streamForwards(t *testing.T, st store.Store[P], id store.StreamID) []store.ResolvedEvent[P] {
	t.Helper()
	seq, err := st.ReadStreamForwards(s.ctx, id, store.EmptyStreamEventNumber)
	if err != nil {
		t.Fatal(err)
	}
	return Collect(t, seq)
}

func (s suite[P]) readWrittenEvents(t *testing.T) {
	st := s.newStore(t)
	start := time.Now().Add(-5 * time.Second)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("type-A", `{"v":1}`), NewEvent("type-B", `{"v":2}`))
	events := s.streamForwards(t, st, id)
	if len(events) != 2 {
		t.Fatal("expected 2 events, got", len(events))
	}
	for i, e := range events {
		if e.Record.StreamID != id {
			t.Error("wrong stream", e.Record.StreamID)
		}
		if e.Record.EventNumber != int64(i) {
			t.Error("wrong event number", e.Record.EventNumber, "expected", i)
		}
		if e.Record.Timestamp.Before(start) || e.Record.Timestamp.After(time.Now().Add(5*time.Second)) {
			t.Error("timestamp not close to the write", e.Record.Timestamp)
		}
	}
	if events[0].Record.EventType != "type-A" || string(events[0].Record.Data) != `{"v":1}` {
		t.Error("first event changed", events[0].Record)
	}
	if events[1].Record.EventType != "type-B" || string(events[1].Record.Metadata) != `{"source":"storetest"}` {
		t.Error("second event changed", events[1].Record)
	}
}

func (s suite[P]) exhaustedIteratorStaysExhausted(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("type-A", "1"))
	seq, err := st.ReadStreamForwards(s.ctx, id, store.EmptyStreamEventNumber)
	if err != nil {
		t.Fatal(err)
	}
	next, stop := iter.Pull2(iter.Seq2[store.ResolvedEvent[P], error](seq))
	defer stop()
	if _, err, ok := next(); !ok || err != nil {
		t.Fatal("expected the first event", err)
	}
	if _, _, ok := next(); ok {
		t.Fatal("expected exhaustion")
	}
	s.write(t, st, id, NewEvent("type-A", "2"))
	if _, _, ok := next(); ok {
		t.Fatal("exhausted iterator returned a new event")
	}

	all := st.ReadCategoryForwards(s.ctx, id.Category, st.EmptyCategoryPosition(id.Category))
	nextAll, stopAll := iter.Pull2(iter.Seq2[store.ResolvedEvent[P], error](all))
	defer stopAll()
	for range 2 {
		if _, err, ok := nextAll(); !ok || err != nil {
			t.Fatal("expected both events", err)
		}
	}
	if _, _, ok := nextAll(); ok {
		t.Fatal("expected exhaustion")
	}
	s.write(t, st, id, NewEvent("type-A", "3"))
	if _, _, ok := nextAll(); ok {
		t.Fatal("exhausted category iterator returned a new event")
	}
}

func (s suite[P]) readStreamFromEventNumber(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("a", "0"), NewEvent("a", "1"), NewEvent("a", "2"))
	seq, err := st.ReadStreamForwards(s.ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(Collect(t, seq)); fmt.Sprint(got) != "[1 2]" {
		t.Fatal("expected [1 2], got", got)
	}
	seq, err = st.ReadStreamForwards(s.ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := Collect(t, seq); len(got) != 0 {
		t.Fatal("expected no events after the end, got", len(got))
	}
}

func (s suite[P]) readStreamBackwards(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("a", "0"), NewEvent("a", "1"), NewEvent("a", "2"))
	seq, err := st.ReadStreamBackwards(s.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(Collect(t, seq)); fmt.Sprint(got) != "[2 1 0]" {
		t.Fatal("expected [2 1 0], got", got)
	}
	seq, err = st.ReadStreamBackwardsFrom(s.ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(Collect(t, seq)); fmt.Sprint(got) != "[1 0]" {
		t.Fatal("expected [1 0], got", got)
	}
}

func (s suite[P]) readLastEventInStream(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("a", "0"), NewEvent("b", "1"))
	s.write(t, st, store.NewStreamID(id.Category, "2"), NewEvent("c", "0"))
	e, err := st.ReadLastEventInStream(s.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if e.Record.EventNumber != 1 || e.Record.EventType != "b" {
		t.Fatal("wrong last event", e.Record)
	}
}

func (s suite[P]) streamNotFound(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "missing")
	_, err := st.ReadStreamForwards(s.ctx, id, store.EmptyStreamEventNumber)
	if !errors.Is(err, store.ErrStreamNotFound) {
		t.Error("forwards: expected not found, got", err)
	}
	_, err = st.ReadStreamBackwards(s.ctx, id)
	if !errors.Is(err, store.ErrStreamNotFound) {
		t.Error("backwards: expected not found, got", err)
	}
	_, err = st.ReadStreamBackwardsFrom(s.ctx, id, 3)
	if !errors.Is(err, store.ErrStreamNotFound) {
		t.Error("backwards from: expected not found, got", err)
	}
	_, err = st.ReadLastEventInStream(s.ctx, id)
	if !errors.Is(err, store.ErrStreamNotFound) {
		t.Error("last: expected not found, got", err)
	}
}

// writeInterleaved writes to three streams across two categories and returns them in commit order.
func (s suite[P]) writeInterleaved(t *testing.T, st store.Store[P]) (string, string, []store.StreamID) {
	c1, c2 := NewCategory(), NewCategory()
	order := []store.StreamID{
		store.NewStreamID(c1, "1"),
		store.NewStreamID(c2, "1"),
		store.NewStreamID(c1, "2"),
		store.NewStreamID(c1, "1"),
		store.NewStreamID(c2, "1"),
	}
	for i, id := range order {
		s.write(t, st, id, NewEvent("e", fmt.Sprint(i)))
	}
	return c1, c2, order
}

func sameOrder[P any](t *testing.T, events []store.ResolvedEvent[P], order []store.StreamID) {
	t.Helper()
	if len(events) != len(order) {
		t.Fatal("expected", len(order), "events, got", len(events))
	}
	for i, e := range events {
		if e.Record.StreamID != order[i] {
			t.Fatal("event", i, "is from", e.Record.StreamID, "expected", order[i])
		}
	}
}

func (s suite[P]) readAll(t *testing.T) {
	st := s.newStore(t)
	c1, c2, order := s.writeInterleaved(t, st)
	forwards := InCategories(Collect(t, st.ReadAllForwards(s.ctx, st.EmptyStorePosition())), c1, c2)
	sameOrder(t, forwards, order)
	backwards := InCategories(Collect(t, st.ReadAllBackwards(s.ctx)), c1, c2)
	sameOrder(t, backwards, reversed(order))
	err := SameRecords(reversed(forwards), backwards)
	if err != nil {
		t.Fatal(err)
	}
}

func (s suite[P]) resumeReadAll(t *testing.T) {
	st := s.newStore(t)
	c1, c2, order := s.writeInterleaved(t, st)
	all := InCategories(Collect(t, st.ReadAllForwards(s.ctx, st.EmptyStorePosition())), c1, c2)
	for i, e := range all {
		rest := InCategories(Collect(t, st.ReadAllForwards(s.ctx, e.Position)), c1, c2)
		sameOrder(t, rest, order[i+1:])
	}
	last := all[len(all)-1]
	rest := InCategories(Collect(t, st.ReadAllForwards(s.ctx, last.Position)), c1, c2)
	if len(rest) != 0 {
		t.Fatal("expected nothing after the last event, got", len(rest))
	}
}

func (s suite[P]) readAllBackwardsFromPosition(t *testing.T) {
	st := s.newStore(t)
	c1, c2, order := s.writeInterleaved(t, st)
	all := InCategories(Collect(t, st.ReadAllForwards(s.ctx, st.EmptyStorePosition())), c1, c2)
	before := InCategories(Collect(t, st.ReadAllBackwardsFrom(s.ctx, all[3].Position)), c1, c2)
	sameOrder(t, before, reversed(order[:3]))
	first := InCategories(Collect(t, st.ReadAllBackwardsFrom(s.ctx, all[0].Position)), c1, c2)
	if len(first) != 0 {
		t.Fatal("expected nothing before the first event, got", len(first))
	}
}

func (s suite[P]) emptyCategory(t *testing.T) {
	st := s.newStore(t)
	category := NewCategory()
	if got := Collect(t, st.ReadCategoryForwards(s.ctx, category, st.EmptyCategoryPosition(category))); len(got) != 0 {
		t.Fatal("expected no events, got", len(got))
	}
	if got := Collect(t, st.ReadCategoryBackwards(s.ctx, category)); len(got) != 0 {
		t.Fatal("expected no events, got", len(got))
	}
	_, ok, err := st.ReadLastEventInCategory(s.ctx, category)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no last event for an unused category")
	}
}

func (s suite[P]) expectedVersion(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("a", "0"), NewEvent("a", "1"))

	err := st.WriteExpected(s.ctx, id, []store.NewEvent{NewEvent("a", "late")}, 0)
	var vm *store.VersionMismatchError
	if !errors.As(err, &vm) {
		t.Fatal("expected version mismatch for a passed version, got", err)
	}
	if vm.Actual != 1 || vm.Expected != 0 {
		t.Fatal("expected mismatch(actual=1, expected=0), got", vm.Actual, vm.Expected)
	}
	err = st.WriteExpected(s.ctx, id, []store.NewEvent{NewEvent("a", "early")}, 5)
	if !errors.As(err, &vm) || vm.Actual != 1 || vm.Expected != 5 {
		t.Fatal("expected mismatch(actual=1, expected=5), got", err)
	}
	if got := s.streamForwards(t, st, id); len(got) != 2 {
		t.Fatal("rejected writes appended events", len(got))
	}

	err = st.WriteExpected(s.ctx, id, []store.NewEvent{NewEvent("a", "2"), NewEvent("a", "3")}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(s.streamForwards(t, st, id)); fmt.Sprint(got) != "[0 1 2 3]" {
		t.Fatal("expected [0 1 2 3], got", got)
	}
}

func (s suite[P]) expectedVersionOnNewStream(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	err := st.WriteExpected(s.ctx, id, []store.NewEvent{NewEvent("a", "0")}, 0)
	var vm *store.VersionMismatchError
	if !errors.As(err, &vm) || vm.Actual != store.EmptyStreamEventNumber || vm.Expected != 0 {
		t.Fatal("expected mismatch(actual=-1, expected=0), got", err)
	}
	_, err = st.ReadStreamForwards(s.ctx, id, store.EmptyStreamEventNumber)
	if !errors.Is(err, store.ErrStreamNotFound) {
		t.Fatal("rejected write created the stream", err)
	}
	err = st.WriteExpected(s.ctx, id, []store.NewEvent{NewEvent("a", "0")}, store.EmptyStreamEventNumber)
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(s.streamForwards(t, st, id)); fmt.Sprint(got) != "[0]" {
		t.Fatal("expected [0], got", got)
	}
}

func (s suite[P]) readCategory(t *testing.T) {
	st := s.newStore(t)
	c1, _, order := s.writeInterleaved(t, st)
	var expected []store.StreamID
	for _, id := range order {
		if id.Category == c1 {
			expected = append(expected, id)
		}
	}
	forwards := Collect(t, st.ReadCategoryForwards(s.ctx, c1, st.EmptyCategoryPosition(c1)))
	sameOrder(t, forwards, expected)
	sameOrder(t, Collect(t, st.ReadCategoryBackwards(s.ctx, c1)), reversed(expected))

	rest := Collect(t, st.ReadCategoryForwards(s.ctx, c1, forwards[0].Position))
	sameOrder(t, rest, expected[1:])
	before := Collect(t, st.ReadCategoryBackwardsFrom(s.ctx, c1, forwards[2].Position))
	sameOrder(t, before, reversed(expected[:2]))

	last, ok, err := st.ReadLastEventInCategory(s.ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || last.Record.StreamID != expected[len(expected)-1] {
		t.Fatal("wrong last event in category", ok, last.Record)
	}
}

func (s suite[P]) readCategories(t *testing.T) {
	st := s.newStore(t)
	c1, c2, order := s.writeInterleaved(t, st)
	c3 := NewCategory()
	s.write(t, st, store.NewStreamID(c3, "1"), NewEvent("e", "other"))
	events := Collect(t, st.ReadCategoriesForwards(s.ctx, []string{c1, c2}, st.EmptyStorePosition()))
	events = InCategories(events, c1, c2, c3)
	sameOrder(t, events, order)
	rest := InCategories(Collect(t, st.ReadCategoriesForwards(s.ctx, []string{c2, c1}, events[1].Position)), c1, c2, c3)
	sameOrder(t, rest, order[2:])
}

// A '-' in the category must not make one stream read as another.
func (s suite[P]) hyphenatedCategory(t *testing.T) {
	st := s.newStore(t)
	base := NewCategory()
	hyphenated := store.NewStreamID(base+"-a", "b")
	split := store.NewStreamID(base, "a-b")
	s.write(t, st, hyphenated, NewEvent("e", "hyphenated"))
	s.write(t, st, split, NewEvent("e", "split"), NewEvent("e", "split"))

	events := s.streamForwards(t, st, hyphenated)
	if len(events) != 1 || events[0].Record.StreamID != hyphenated {
		t.Fatal("unexpected events in", hyphenated, EventNumbers(events))
	}
	events = s.streamForwards(t, st, split)
	if len(events) != 2 || events[1].Record.StreamID != split {
		t.Fatal("unexpected events in", split, EventNumbers(events))
	}
	events = Collect(t, st.ReadCategoryForwards(s.ctx, hyphenated.Category, st.EmptyCategoryPosition(hyphenated.Category)))
	if len(events) != 1 || events[0].Record.StreamID != hyphenated {
		t.Fatal("expected one event in category", hyphenated.Category, len(events))
	}
	events = Collect(t, st.ReadCategoryBackwards(s.ctx, base))
	if len(events) != 2 || events[0].Record.StreamID != split {
		t.Fatal("expected two events in category", base, len(events))
	}
}

func (s suite[P]) concurrentWriters(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.Write(s.ctx, id, []store.NewEvent{NewEvent("a", fmt.Sprint(i))})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	events := s.streamForwards(t, st, id)
	if len(events) != 100 {
		t.Fatal("expected 100 events, got", len(events))
	}
	for i, e := range events {
		if e.Record.EventNumber != int64(i) {
			t.Fatal("expected event number", i, "got", e.Record.EventNumber)
		}
	}
}

func (s suite[P]) readLastEvent(t *testing.T) {
	st := s.newStore(t)
	id := store.NewStreamID(NewCategory(), "1")
	s.write(t, st, id, NewEvent("a", "0"), NewEvent("last", "1"))
	e, ok, err := st.ReadLastEvent(s.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || e.Record.StreamID != id || e.Record.EventType != "last" {
		t.Fatal("wrong last event", ok, e.Record)
	}
}

func (s suite[P]) executeBatch(t *testing.T) {
	st := s.newStore(t)
	a := store.NewStreamID(NewCategory(), "a")
	b := store.NewStreamID(a.Category, "b")
	s.write(t, st, a, NewEvent("a", "0"))
	err := st.Execute(s.ctx, []store.StreamWriteRequest{
		{StreamID: a, Events: []store.NewEvent{NewEvent("a", "1")}, ExpectedVersion: store.ExactVersion(0)},
		{StreamID: b, Events: []store.NewEvent{NewEvent("b", "0"), NewEvent("b", "1")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := EventNumbers(s.streamForwards(t, st, a)); fmt.Sprint(got) != "[0 1]" {
		t.Fatal("expected [0 1] in a, got", got)
	}
	if got := EventNumbers(s.streamForwards(t, st, b)); fmt.Sprint(got) != "[0 1]" {
		t.Fatal("expected [0 1] in b, got", got)
	}
}

func (s suite[P]) executeBatchPartialFailure(t *testing.T) {
	st := s.newStore(t)
	a := store.NewStreamID(NewCategory(), "a")
	b := store.NewStreamID(a.Category, "b")
	s.write(t, st, a, NewEvent("a", "0"), NewEvent("a", "1"))
	err := st.Execute(s.ctx, []store.StreamWriteRequest{
		{StreamID: a, Events: []store.NewEvent{NewEvent("a", "x")}, ExpectedVersion: store.ExactVersion(0)},
		{StreamID: b, Events: []store.NewEvent{NewEvent("b", "0")}, ExpectedVersion: store.ExactVersion(store.EmptyStreamEventNumber)},
	})
	var vm *store.VersionMismatchError
	if !errors.As(err, &vm) || vm.StreamID != a || vm.Actual != 1 || vm.Expected != 0 {
		t.Fatal("expected mismatch on a, got", err)
	}
	if got := len(s.streamForwards(t, st, a)); got != 2 {
		t.Fatal("failed request appended to a", got)
	}
	if got := EventNumbers(s.streamForwards(t, st, b)); fmt.Sprint(got) != "[0]" {
		t.Fatal("independent request was not committed", got)
	}
}

func (s suite[P]) executeBatchDuplicateStream(t *testing.T) {
	st := s.newStore(t)
	a := store.NewStreamID(NewCategory(), "a")
	b := store.NewStreamID(a.Category, "b")
	err := st.Execute(s.ctx, []store.StreamWriteRequest{
		{StreamID: b, Events: []store.NewEvent{NewEvent("b", "0")}},
		{StreamID: a, Events: []store.NewEvent{NewEvent("a", "0")}},
		{StreamID: a, Events: []store.NewEvent{NewEvent("a", "1")}},
	})
	if !errors.Is(err, store.ErrDuplicateStream) {
		t.Fatal("expected duplicate stream error, got", err)
	}
	for _, id := range []store.StreamID{a, b} {
		_, err := st.ReadStreamForwards(s.ctx, id, store.EmptyStreamEventNumber)
		if !errors.Is(err, store.ErrStreamNotFound) {
			t.Fatal("rejected batch wrote to", id, err)
		}
	}
}

func (s suite[P]) positionCodec(t *testing.T) {
	st := s.newStore(t)
	c1, c2, _ := s.writeInterleaved(t, st)
	codec := st.PositionCodec()
	events := InCategories(Collect(t, st.ReadAllForwards(s.ctx, st.EmptyStorePosition())), c1, c2)
	for i, e := range events {
		p, err := codec.DeserializePosition(codec.SerializePosition(e.Position))
		if err != nil {
			t.Fatal(err)
		}
		if p != e.Position {
			t.Fatal("position changed in codec round trip", p, e.Position)
		}
		if i > 0 && codec.ComparePositions(events[i-1].Position, e.Position) >= 0 {
			t.Fatal("positions are not increasing at", i)
		}
	}
	empty := st.EmptyStorePosition()
	if codec.ComparePositions(empty, events[0].Position) >= 0 {
		t.Fatal("empty position is not before the first event")
	}
}
