package store

import (
	"context"

	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
)

// EventReader reads the global order of a backend. After and before positions are exclusive.
type EventReader[P any] interface {
	ReadAllForwards(ctx context.Context, after P) itr.ErrIterator[ResolvedEvent[P]]
	ReadAllBackwards(ctx context.Context) itr.ErrIterator[ResolvedEvent[P]]
	ReadAllBackwardsFrom(ctx context.Context, before P) itr.ErrIterator[ResolvedEvent[P]]
	ReadLastEvent(ctx context.Context) (ResolvedEvent[P], bool, error)
	EmptyStorePosition() P
	PositionCodec() PositionCodec[P]
}

type EventCategoryReader[P any] interface {
	ReadCategoryForwards(ctx context.Context, category string, after P) itr.ErrIterator[ResolvedEvent[P]]
	ReadCategoriesForwards(ctx context.Context, categories []string, after P) itr.ErrIterator[ResolvedEvent[P]]
	ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[ResolvedEvent[P]]
	ReadCategoryBackwardsFrom(ctx context.Context, category string, before P) itr.ErrIterator[ResolvedEvent[P]]
	ReadLastEventInCategory(ctx context.Context, category string) (ResolvedEvent[P], bool, error)
	EmptyCategoryPosition(category string) P
}

// EventStreamReader fails with ErrStreamNotFound when the stream never had an event.
type EventStreamReader[P any] interface {
	ReadStreamForwards(ctx context.Context, id StreamID, afterEventNumber int64) (itr.ErrIterator[ResolvedEvent[P]], error)
	ReadStreamBackwards(ctx context.Context, id StreamID) (itr.ErrIterator[ResolvedEvent[P]], error)
	ReadStreamBackwardsFrom(ctx context.Context, id StreamID, beforeEventNumber int64) (itr.ErrIterator[ResolvedEvent[P]], error)
	ReadLastEventInStream(ctx context.Context, id StreamID) (ResolvedEvent[P], error)
}

// EventStreamWriter appends with optimistic concurrency per stream.
// Execute is not atomic across streams, every request commits or fails on its own.
type EventStreamWriter interface {
	Write(ctx context.Context, id StreamID, events []NewEvent) error
	WriteExpected(ctx context.Context, id StreamID, events []NewEvent, expected int64) error
	Execute(ctx context.Context, requests []StreamWriteRequest) error
}

type Monitored interface {
	Name() string
	Monitoring() []health.Component
}

type Source[P any] interface {
	EventReader[P]
	EventCategoryReader[P]
	Monitored
}

type Store[P any] interface {
	Source[P]
	EventStreamReader[P]
	EventStreamWriter
}

// InCategories builds a membership filter for multi category reads.
func InCategories[P any](categories []string) func(ResolvedEvent[P]) bool {
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	return func(e ResolvedEvent[P]) bool {
		_, ok := set[e.Record.StreamID.Category]
		return ok
	}
}

func InCategory[P any](category string) func(ResolvedEvent[P]) bool {
	return func(e ResolvedEvent[P]) bool {
		return e.Record.StreamID.Category == category
	}
}
