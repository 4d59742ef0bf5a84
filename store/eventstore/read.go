package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/EventStore/EventStore-Client-Go/esdb"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
)

func (s *Store) readAllPage(ctx context.Context, direction esdb.Direction, from esdb.AllPosition) ([]*esdb.RecordedEvent, error) {
	rs, err := s.c.c.ReadAll(ctx, esdb.ReadAllOptions{
		Direction: direction,
		From:      from,
	}, s.batchSize)
	if err != nil {
		return nil, err
	}
	return recvAll(rs)
}

// lastPosition is where $all ends right now, ok is false when it holds nothing at all.
func (s *Store) lastPosition(ctx context.Context) (Position, bool, error) {
	rs, err := s.c.c.ReadAll(ctx, esdb.ReadAllOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		return Position{}, false, err
	}
	events, err := recvAll(rs)
	if err != nil || len(events) == 0 || events[0] == nil {
		return Position{}, false, err
	}
	return fromEsdb(events[0].Position), true, nil
}

// forwards pages through $all after the position, up to where $all ended when reading started.
func (s *Store) forwards(ctx context.Context, after Position, keep func(event) bool) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		upper, ok, err := s.lastPosition(ctx)
		if err != nil {
			yield(event{}, s.connectivity("reading end of $all", err))
			return
		}
		if !ok {
			return
		}
		var from esdb.AllPosition = esdb.Start{}
		if after != (Position{}) {
			from = after.toEsdb()
		}
		for {
			page, err := s.readAllPage(ctx, esdb.Forwards, from)
			if err != nil {
				yield(event{}, s.connectivity("reading $all", err))
				return
			}
			for _, re := range page {
				if re == nil {
					continue
				}
				p := fromEsdb(re.Position)
				// Reading from a position includes the event at it.
				if Codec.ComparePositions(p, after) <= 0 && after != (Position{}) {
					continue
				}
				if Codec.ComparePositions(p, upper) > 0 {
					return
				}
				e, ok := resolve(re)
				if !ok || (keep != nil && !keep(e)) {
					continue
				}
				n++
				if !yield(e, nil) {
					return
				}
			}
			if uint64(len(page)) < s.batchSize {
				return
			}
			last := fromEsdb(page[len(page)-1].Position)
			if Codec.ComparePositions(last, upper) >= 0 {
				return
			}
			after = last
			from = last.toEsdb()
		}
	}
}

// backwards pages through $all before the position, newest first. An empty before reads from the end.
func (s *Store) backwards(ctx context.Context, before Position, keep func(event) bool) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		tail := before == (Position{})
		var from esdb.AllPosition = esdb.End{}
		if !tail {
			from = before.toEsdb()
		}
		for {
			page, err := s.readAllPage(ctx, esdb.Backwards, from)
			if err != nil {
				yield(event{}, s.connectivity("reading $all backwards", err))
				return
			}
			for _, re := range page {
				if re == nil {
					continue
				}
				if !tail && Codec.ComparePositions(fromEsdb(re.Position), before) >= 0 {
					continue
				}
				e, ok := resolve(re)
				if !ok || (keep != nil && !keep(e)) {
					continue
				}
				n++
				if !yield(e, nil) {
					return
				}
			}
			if uint64(len(page)) < s.batchSize {
				return
			}
			tail = false
			before = fromEsdb(page[len(page)-1].Position)
			from = before.toEsdb()
		}
	}
}

func (s *Store) ReadAllForwards(ctx context.Context, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after, nil)
}

func (s *Store) ReadAllBackwards(ctx context.Context) itr.ErrIterator[event] {
	return s.backwards(ctx, Position{}, nil)
}

func (s *Store) ReadAllBackwardsFrom(ctx context.Context, before Position) itr.ErrIterator[event] {
	if before == (Position{}) {
		return itr.Empty[event]()
	}
	return s.backwards(ctx, before, nil)
}

func (s *Store) ReadLastEvent(ctx context.Context) (event, bool, error) {
	return s.ReadAllBackwards(ctx).First()
}

func (s *Store) ReadCategoryForwards(ctx context.Context, category string, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after, store.InCategory[Position](category))
}

func (s *Store) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after Position,
) itr.ErrIterator[event] {
	return s.forwards(ctx, after, store.InCategories[Position](categories))
}

func (s *Store) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[event] {
	return s.backwards(ctx, Position{}, store.InCategory[Position](category))
}

func (s *Store) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before Position,
) itr.ErrIterator[event] {
	if before == (Position{}) {
		return itr.Empty[event]()
	}
	return s.backwards(ctx, before, store.InCategory[Position](category))
}

func (s *Store) ReadLastEventInCategory(ctx context.Context, category string) (event, bool, error) {
	return s.ReadCategoryBackwards(ctx, category).First()
}

// streamPage reads up to one page of a stream starting at and including revision from.
func (s *Store) streamPage(ctx context.Context, id store.StreamID, direction esdb.Direction, from esdb.StreamPosition) ([]*esdb.RecordedEvent, error) {
	rs, err := s.c.c.ReadStream(ctx, streamName(id), esdb.ReadStreamOptions{
		Direction: direction,
		From:      from,
	}, s.batchSize)
	if err != nil {
		return nil, err
	}
	return recvAll(rs)
}

// stream yields the event numbers in (after, before) of a stream that had version when reading started.
func (s *Store) stream(ctx context.Context, id store.StreamID, after, before int64, forwards bool) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		for after+1 < before {
			direction, from := esdb.Forwards, esdb.Revision(uint64(after+1))
			if !forwards {
				direction, from = esdb.Backwards, esdb.Revision(uint64(before-1))
			}
			page, err := s.streamPage(ctx, id, direction, from)
			if err != nil && !errors.Is(err, esdb.ErrStreamNotFound) {
				yield(event{}, s.connectivity("reading stream "+streamName(id), err))
				return
			}
			for _, re := range page {
				e, ok := resolve(re)
				if !ok || e.Record.EventNumber <= after || e.Record.EventNumber >= before {
					return
				}
				n++
				if !yield(e, nil) {
					return
				}
			}
			if uint64(len(page)) < s.batchSize {
				return
			}
			last := int64(page[len(page)-1].EventNumber)
			if forwards {
				after = last
			} else {
				before = last
			}
		}
	}
}

func (s *Store) existingStream(ctx context.Context, id store.StreamID) (int64, error) {
	version, err := s.streamVersion(ctx, id)
	if err != nil {
		return 0, s.connectivity("reading stream version", err)
	}
	if version == store.EmptyStreamEventNumber {
		return 0, &store.StreamNotFoundError{StreamID: id}
	}
	return version, nil
}

func (s *Store) ReadStreamForwards(
	ctx context.Context,
	id store.StreamID,
	afterEventNumber int64,
) (itr.ErrIterator[event], error) {
	version, err := s.existingStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, id, max(afterEventNumber, store.EmptyStreamEventNumber), version+1, true), nil
}

func (s *Store) ReadStreamBackwards(ctx context.Context, id store.StreamID) (itr.ErrIterator[event], error) {
	version, err := s.existingStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, id, store.EmptyStreamEventNumber, version+1, false), nil
}

func (s *Store) ReadStreamBackwardsFrom(
	ctx context.Context,
	id store.StreamID,
	beforeEventNumber int64,
) (itr.ErrIterator[event], error) {
	version, err := s.existingStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, id, store.EmptyStreamEventNumber, min(beforeEventNumber, version+1), false), nil
}

func (s *Store) ReadLastEventInStream(ctx context.Context, id store.StreamID) (event, error) {
	seq, err := s.ReadStreamBackwards(ctx, id)
	if err != nil {
		return event{}, err
	}
	e, ok, err := seq.First()
	if err != nil {
		return event{}, err
	}
	if !ok {
		return event{}, &store.StreamNotFoundError{StreamID: id}
	}
	return e, nil
}
