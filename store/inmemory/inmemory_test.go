package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/storetest"
)

func newStore(t *testing.T) store.Store[Position] {
	s, err := New("test")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestClockStampsWrites(t *testing.T) {
	at := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := New("clock", WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	err = s.Write(ctx, store.NewStreamID("c", "1"), []store.NewEvent{storetest.NewEvent("a", "1")})
	if err != nil {
		t.Fatal(err)
	}
	e, ok, err := s.ReadLastEvent(ctx)
	if err != nil || !ok {
		t.Fatal("missing event", err)
	}
	if !e.Record.Timestamp.Equal(at) {
		t.Fatal("expected clock timestamp, got", e.Record.Timestamp)
	}
	if e.Position != 1 {
		t.Fatal("first event should be at position 1, got", e.Position)
	}
}

func TestEmptyStore(t *testing.T) {
	s, err := New("empty")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	events, err := s.ReadAllForwards(ctx, s.EmptyStorePosition()).Collect()
	if err != nil || len(events) != 0 {
		t.Fatal("expected empty read", events, err)
	}
	events, err = s.ReadAllBackwardsFrom(ctx, 0).Collect()
	if err != nil || len(events) != 0 {
		t.Fatal("expected empty read", events, err)
	}
	_, ok, err := s.ReadLastEvent(ctx)
	if err != nil || ok {
		t.Fatal("empty store has a last event", err)
	}
}

func TestReadIsFixedAtCallTime(t *testing.T) {
	s, err := New("snapshot")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := store.NewStreamID("c", "1")
	err = s.Write(ctx, id, []store.NewEvent{storetest.NewEvent("a", "1")})
	if err != nil {
		t.Fatal(err)
	}
	seq := s.ReadAllForwards(ctx, 0)
	err = s.Write(ctx, id, []store.NewEvent{storetest.NewEvent("a", "2")})
	if err != nil {
		t.Fatal(err)
	}
	c, err := seq.Count()
	if err != nil || c != 1 {
		t.Fatal("read saw a later write", c, err)
	}
}

func TestEmptyWriteDoesNotCreateStream(t *testing.T) {
	s, err := New("noop")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := store.NewStreamID("c", "1")
	err = s.Write(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.ReadLastEventInStream(ctx, id)
	if err == nil {
		t.Fatal("empty write created the stream")
	}
}

// Writes append to the log without copying it, so a large log stays cheap to grow.
func TestManyWritesStayLinear(t *testing.T) {
	s, err := New("many")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := store.NewStreamID("c", "1")
	start := time.Now()
	for i := 0; i < 50000; i++ {
		err = s.Write(ctx, id, []store.NewEvent{storetest.NewEvent("a", "x")})
		if err != nil {
			t.Fatal(err)
		}
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatal("50000 writes took", took)
	}
	last, ok, err := s.ReadLastEvent(ctx)
	if err != nil || !ok || last.Position != 50000 || last.Record.EventNumber != 49999 {
		t.Fatal("unexpected last event", last.Position, ok, err)
	}
}

// Snapshots share the backing array with later writes but keep their own length.
func TestSnapshotsSurviveConcurrentWrites(t *testing.T) {
	s, err := New("shared")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id := store.NewStreamID("c", "1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Write(ctx, id, []store.NewEvent{storetest.NewEvent("a", "x")})
		}
	}()
	for i := 0; i < 100; i++ {
		events, err := s.ReadAllForwards(ctx, 0).Collect()
		if err != nil {
			t.Fatal(err)
		}
		for j, e := range events {
			if e.Position != Position(j+1) || e.Record.EventNumber != int64(j) {
				t.Fatal("snapshot out of order at", j, e.Position, e.Record.EventNumber)
			}
		}
	}
	<-done
	c, err := s.ReadAllForwards(ctx, 0).Count()
	if err != nil || c != 1000 {
		t.Fatal("expected 1000 events", c, err)
	}
}
