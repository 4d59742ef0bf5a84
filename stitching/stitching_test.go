package stitching

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/inmemory"
	"github.com/iidesho/eventsource/store/storetest"
)

type spySource[P any] struct {
	store.Source[P]
	forwards   int
	components []health.Component
}

func (s *spySource[P]) ReadAllForwards(ctx context.Context, after P) itr.ErrIterator[store.ResolvedEvent[P]] {
	s.forwards++
	return s.Source.ReadAllForwards(ctx, after)
}

func (s *spySource[P]) ReadCategoryForwards(ctx context.Context, category string, after P) itr.ErrIterator[store.ResolvedEvent[P]] {
	s.forwards++
	return s.Source.ReadCategoryForwards(ctx, category, after)
}

func (s *spySource[P]) Monitoring() []health.Component {
	return s.components
}

type fixture struct {
	whole      *inmemory.Store
	backfill   *spySource[inmemory.Position]
	live       *spySource[inmemory.Position]
	stitched   *Source[inmemory.Position, inmemory.Position]
	categories []string
}

var ctx = context.Background()

// newFixture writes ten events over three categories to a live store and
// copies the first six into a backfill store.
func newFixture(t *testing.T, backfillSize int) fixture {
	live, err := inmemory.New("live")
	if err != nil {
		t.Fatal(err)
	}
	backfill, err := inmemory.New("backfill")
	if err != nil {
		t.Fatal(err)
	}
	categories := []string{storetest.NewCategory(), storetest.NewCategory(), storetest.NewCategory()}
	for i := range 10 {
		id := store.NewStreamID(categories[i%3], fmt.Sprint(i%2))
		err = live.Write(ctx, id, []store.NewEvent{storetest.NewEvent("e", fmt.Sprint(i))})
		if err != nil {
			t.Fatal(err)
		}
	}
	all, err := live.ReadAllForwards(ctx, 0).Collect()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range all[:backfillSize] {
		err = backfill.Write(ctx, e.Record.StreamID, []store.NewEvent{{
			Type:     e.Record.EventType,
			Data:     e.Record.Data,
			Metadata: e.Record.Metadata,
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	f := fixture{
		whole:      live,
		backfill:   &spySource[inmemory.Position]{Source: backfill},
		live:       &spySource[inmemory.Position]{Source: live},
		categories: categories,
	}
	f.stitched = New[inmemory.Position, inmemory.Position](f.backfill, f.live, inmemory.Position(backfillSize))
	return f
}

func collect[P any](t *testing.T, seq itr.ErrIterator[store.ResolvedEvent[P]]) []store.ResolvedEvent[P] {
	t.Helper()
	return storetest.Collect(t, seq)
}

func same[P comparable](a, b store.ResolvedEvent[P]) bool {
	return a.Position == b.Position &&
		storetest.SameRecords([]store.ResolvedEvent[P]{a}, []store.ResolvedEvent[P]{b}) == nil
}

func TestReadsBackfillThenLive(t *testing.T) {
	for _, size := range []int{0, 1, 6, 10} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			f := newFixture(t, size)
			stitched := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()))
			whole := collect(t, f.whole.ReadAllForwards(ctx, 0))
			err := storetest.SameRecords(whole, stitched)
			if err != nil {
				t.Fatal(err)
			}
			for i, e := range stitched {
				if inBackfill := e.Position.InBackfill(f.stitched.cutoff); inBackfill != (i < size) {
					t.Fatal("event", i, "in backfill", inBackfill, "with backfill size", size)
				}
			}
		})
	}
}

func TestResumesFromEveryPosition(t *testing.T) {
	f := newFixture(t, 6)
	events := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()))
	codec := f.stitched.PositionCodec()
	for i, e := range events {
		p, err := codec.DeserializePosition(codec.SerializePosition(e.Position))
		if err != nil {
			t.Fatal(err)
		}
		if p != e.Position {
			t.Fatal("codec changed position", p, e.Position)
		}
		rest := collect(t, f.stitched.ReadAllForwards(ctx, p))
		err = storetest.SameRecords(events[i+1:], rest)
		if err != nil {
			t.Fatal("resuming after", i, err)
		}
		if i > 0 && codec.ComparePositions(events[i-1].Position, e.Position) >= 0 {
			t.Fatal("positions not increasing at", i)
		}
	}
}

func TestLiveIsNotOpenedUntilBackfillIsExhausted(t *testing.T) {
	f := newFixture(t, 6)
	events := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()).Take(6))
	if len(events) != 6 {
		t.Fatal("expected 6 events, got", len(events))
	}
	if f.live.forwards != 0 {
		t.Fatal("live was read before backfill was exhausted")
	}
	_, err := f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()).Count()
	if err != nil {
		t.Fatal(err)
	}
	if f.live.forwards != 1 {
		t.Fatal("expected one live read, got", f.live.forwards)
	}
}

func TestSkipsBackfillWhenPositionIsInLive(t *testing.T) {
	f := newFixture(t, 6)
	events := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()))
	f.backfill.forwards = 0
	rest := collect(t, f.stitched.ReadAllForwards(ctx, events[7].Position))
	if len(rest) != 2 {
		t.Fatal("expected 2 events, got", len(rest))
	}
	if f.backfill.forwards != 0 {
		t.Fatal("backfill was read for a live position")
	}
}

func TestCategory(t *testing.T) {
	f := newFixture(t, 6)
	for _, category := range f.categories {
		whole := collect(t, f.whole.ReadCategoryForwards(ctx, category, 0))
		stitched := collect(t, f.stitched.ReadCategoryForwards(ctx, category, f.stitched.EmptyCategoryPosition(category)))
		err := storetest.SameRecords(whole, stitched)
		if err != nil {
			t.Fatal(category, err)
		}
		for i, e := range stitched {
			rest := collect(t, f.stitched.ReadCategoryForwards(ctx, category, e.Position))
			err = storetest.SameRecords(stitched[i+1:], rest)
			if err != nil {
				t.Fatal("resuming", category, "after", i, err)
			}
		}
		backwards := collect(t, f.stitched.ReadCategoryBackwards(ctx, category))
		err = storetest.SameRecords(collect(t, f.whole.ReadCategoryBackwards(ctx, category)), backwards)
		if err != nil {
			t.Fatal("backwards", category, err)
		}
		last, ok, err := f.stitched.ReadLastEventInCategory(ctx, category)
		if err != nil || !ok {
			t.Fatal("missing last event in", category, err)
		}
		if !same(last, stitched[len(stitched)-1]) {
			t.Fatal("last event in category differs from forward read", last, stitched[len(stitched)-1])
		}
	}
}

func TestCategories(t *testing.T) {
	f := newFixture(t, 6)
	categories := f.categories[:2]
	whole := collect(t, f.whole.ReadCategoriesForwards(ctx, categories, 0))
	stitched := collect(t, f.stitched.ReadCategoriesForwards(ctx, categories, f.stitched.EmptyStorePosition()))
	err := storetest.SameRecords(whole, stitched)
	if err != nil {
		t.Fatal(err)
	}
	rest := collect(t, f.stitched.ReadCategoriesForwards(ctx, categories, stitched[2].Position))
	err = storetest.SameRecords(stitched[3:], rest)
	if err != nil {
		t.Fatal(err)
	}
}

func TestBackwardsIsReverseOfForwards(t *testing.T) {
	f := newFixture(t, 6)
	forwards := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()))
	backwards := collect(t, f.stitched.ReadAllBackwards(ctx))
	if len(forwards) != len(backwards) {
		t.Fatal("expected", len(forwards), "events, got", len(backwards))
	}
	for i := range forwards {
		if !same(forwards[i], backwards[len(backwards)-1-i]) {
			t.Fatal("event", i, "differs", forwards[i], backwards[len(backwards)-1-i])
		}
	}
	for i, e := range forwards {
		before := collect(t, f.stitched.ReadAllBackwardsFrom(ctx, e.Position))
		if len(before) != i {
			t.Fatal("expected", i, "events before", e.Position, "got", len(before))
		}
		for j := range before {
			if !same(before[j], forwards[i-1-j]) {
				t.Fatal("wrong event reading backwards from", i, before[j], forwards[i-1-j])
			}
		}
	}
}

func TestLastEvent(t *testing.T) {
	for _, size := range []int{0, 6, 10} {
		f := newFixture(t, size)
		forwards := collect(t, f.stitched.ReadAllForwards(ctx, f.stitched.EmptyStorePosition()))
		last, ok, err := f.stitched.ReadLastEvent(ctx)
		if err != nil || !ok {
			t.Fatal("missing last event", err)
		}
		if !same(last, forwards[len(forwards)-1]) {
			t.Fatal("last event differs from forward read", size, last, forwards[len(forwards)-1])
		}
	}
}

func TestEmptySources(t *testing.T) {
	backfill, _ := inmemory.New("backfill")
	live, _ := inmemory.New("live")
	stitched := New[inmemory.Position, inmemory.Position](backfill, live, 0)
	if got := collect(t, stitched.ReadAllForwards(ctx, stitched.EmptyStorePosition())); len(got) != 0 {
		t.Fatal("expected no events, got", len(got))
	}
	if got := collect(t, stitched.ReadAllBackwards(ctx)); len(got) != 0 {
		t.Fatal("expected no events, got", len(got))
	}
	_, ok, err := stitched.ReadLastEvent(ctx)
	if err != nil || ok {
		t.Fatal("empty stitched source has a last event", err)
	}
}

func TestErrorsArePropagated(t *testing.T) {
	f := newFixture(t, 6)
	failure := errors.New("unreachable")
	broken := &failingSource{Source: f.live.Source, err: failure}
	stitched := New[inmemory.Position, inmemory.Position](f.backfill, broken, 6)
	events, err := stitched.ReadAllForwards(ctx, stitched.EmptyStorePosition()).Collect()
	if !errors.Is(err, failure) {
		t.Fatal("expected live failure, got", err)
	}
	if len(events) != 6 {
		t.Fatal("expected the backfill events before the failure, got", len(events))
	}
}

type failingSource struct {
	store.Source[inmemory.Position]
	err error
}

func (s *failingSource) ReadAllForwards(ctx context.Context, after inmemory.Position) itr.ErrIterator[store.ResolvedEvent[inmemory.Position]] {
	return itr.Fail[store.ResolvedEvent[inmemory.Position]](s.err)
}

func TestMonitoringListsBackfillFirst(t *testing.T) {
	f := newFixture(t, 6)
	probe := func(ctx context.Context) (health.Status, string) { return health.StatusOK, "" }
	f.backfill.components = []health.Component{health.NewComponent("backfill", "backfill", probe)}
	f.live.components = []health.Component{
		health.NewComponent("live1", "live", probe),
		health.NewComponent("live2", "live", probe),
	}
	components := f.stitched.Monitoring()
	if len(components) != 3 ||
		components[0].ID() != "backfill" ||
		components[1].ID() != "live1" ||
		components[2].ID() != "live2" {
		t.Fatal("unexpected components", components)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	f := newFixture(t, 6)
	codec := f.stitched.PositionCodec()
	for _, s := range []string{"", "1", `{"backfill":"x","live":"1"}`, `{"backfill":"1","live":"x"}`} {
		if _, err := codec.DeserializePosition(s); err == nil {
			t.Fatal("expected error for", s)
		}
	}
}

func TestBackdating(t *testing.T) {
	s, err := inmemory.New("backdating")
	if err != nil {
		t.Fatal(err)
	}
	cutover := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	id := store.NewStreamID("c", "1")
	err = s.Write(ctx, id, []store.NewEvent{
		{Type: "old", Metadata: []byte(`{"effective_timestamp":"2021-01-01T00:00:00Z","user":"a"}`)},
		{Type: "new", Metadata: []byte(`{"effective_timestamp":"2021-06-01T00:00:00Z"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	reader := NewBackdating[inmemory.Position](s, cutover)
	events := collect(t, reader.ReadAllForwards(ctx, 0))
	if string(events[0].Record.Metadata) != `{"effective_timestamp":"1970-01-01T00:00:00Z","user":"a"}` {
		t.Fatal("old event was not backdated", string(events[0].Record.Metadata))
	}
	if string(events[1].Record.Metadata) != `{"effective_timestamp":"2021-06-01T00:00:00Z"}` {
		t.Fatal("event at cutover was changed", string(events[1].Record.Metadata))
	}
	last, ok, err := reader.ReadLastEvent(ctx)
	if err != nil || !ok || last.Record.EventType != "new" {
		t.Fatal("wrong last event", last, err)
	}

	err = s.Write(ctx, id, []store.NewEvent{{Type: "bad", Metadata: []byte(`{}`)}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = reader.ReadAllBackwards(ctx).Collect()
	if err == nil {
		t.Fatal("expected error for missing effective timestamp")
	}
}

// Only the timestamp is rewritten, other fields keep their order and exact values.
func TestBackdatingKeepsOtherMetadata(t *testing.T) {
	s, err := inmemory.New("backdating-metadata")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Write(ctx, store.NewStreamID("c", "1"), []store.NewEvent{{
		Type:     "old",
		Metadata: []byte(`{"user":"a","effective_timestamp":"2021-01-01T00:00:00Z","correlation":9007199254740993,"tags":["x",{"y":1.50}]}`),
	}})
	if err != nil {
		t.Fatal(err)
	}
	reader := NewBackdating[inmemory.Position](s, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	e, ok, err := reader.ReadLastEvent(ctx)
	if err != nil || !ok {
		t.Fatal("missing event", err)
	}
	want := `{"user":"a","effective_timestamp":"1970-01-01T00:00:00Z","correlation":9007199254740993,"tags":["x",{"y":1.50}]}`
	if string(e.Record.Metadata) != want {
		t.Fatal("metadata changed beyond the timestamp", string(e.Record.Metadata))
	}
	for _, metadata := range []string{`[]`, `not json`, `{"effective_timestamp":5}`} {
		err = s.Write(ctx, store.NewStreamID("c", "1"), []store.NewEvent{{Type: "bad", Metadata: []byte(metadata)}})
		if err != nil {
			t.Fatal(err)
		}
		_, _, err = reader.ReadLastEvent(ctx)
		if err == nil {
			t.Fatal("expected error for metadata", metadata)
		}
	}
}
