package inmemory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Position is the 1 based index of an event in the log, 0 is the empty store.
type Position uint64

var Codec = store.UintCodec[Position]{}

type event = store.ResolvedEvent[Position]

type Store struct {
	name     string
	clock    func() time.Time
	counters *metrics.Counters

	writeLock sync.Mutex
	versions  map[store.StreamID]int64
	// events is only replaced under writeLock, readers load a snapshot and never append to it.
	events atomic.Pointer[[]event]
}

type OptFunc func(*Store)

func WithClock(clock func() time.Time) OptFunc {
	return func(s *Store) {
		s.clock = clock
	}
}

func New(name string, opts ...OptFunc) (*Store, error) {
	counters, err := metrics.NewCounters("inmemory", "in-memory")
	if err != nil {
		return nil, err
	}
	s := &Store{
		name:     name,
		clock:    time.Now,
		counters: counters,
		versions: map[store.StreamID]int64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events.Store(&[]event{})
	log.Debug("created in-memory store", "name", name)
	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Monitoring() []health.Component {
	return nil
}

func (s *Store) EmptyStorePosition() Position {
	return 0
}

func (s *Store) EmptyCategoryPosition(string) Position {
	return 0
}

func (s *Store) PositionCodec() store.PositionCodec[Position] {
	return Codec
}

func (s *Store) snapshot() []event {
	return *s.events.Load()
}

func (s *Store) Write(ctx context.Context, id store.StreamID, events []store.NewEvent) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.append(id, events, store.ExpectedVersion{})
}

func (s *Store) WriteExpected(
	ctx context.Context,
	id store.StreamID,
	events []store.NewEvent,
	expected int64,
) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.append(id, events, store.ExactVersion(expected))
}

func (s *Store) Execute(ctx context.Context, requests []store.StreamWriteRequest) error {
	err := store.CheckDuplicates(requests)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	var errs []error
	for _, r := range requests {
		err := s.append(r.StreamID, r.Events, r.ExpectedVersion)
		if log.WithError(err).Debug("batch request failed", "stream", r.StreamID) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// append must be called with writeLock held.
func (s *Store) append(id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) error {
	start := time.Now()
	current, ok := s.versions[id]
	if !ok {
		current = store.EmptyStreamEventNumber
	}
	err := store.CheckVersion(id, current, expected)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	// Appending may reuse the backing array, published snapshots never look past their own length.
	next := s.snapshot()
	now := s.clock()
	for _, e := range events {
		current++
		next = append(next, store.Resolve(Position(len(next)+1), store.EventRecord{
			StreamID:    id,
			EventNumber: current,
			EventType:   e.Type,
			Data:        e.Data,
			Metadata:    e.Metadata,
			Timestamp:   now,
		}))
	}
	s.versions[id] = current
	s.events.Store(&next)
	s.counters.Write(s.name, len(events), start)
	return nil
}

func (s *Store) read(events []event) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		for _, e := range events {
			n++
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) readReversed(events []event) itr.ErrIterator[event] {
	return itr.FromSliceReversed(events)
}

func (s *Store) after(position Position) []event {
	events := s.snapshot()
	if uint64(position) >= uint64(len(events)) {
		return nil
	}
	return events[position:]
}

func (s *Store) before(position Position) []event {
	events := s.snapshot()
	if position == 0 {
		return nil
	}
	if uint64(position-1) > uint64(len(events)) {
		return events
	}
	return events[:position-1]
}

func (s *Store) ReadAllForwards(ctx context.Context, after Position) itr.ErrIterator[event] {
	return s.read(s.after(after))
}

func (s *Store) ReadAllBackwards(ctx context.Context) itr.ErrIterator[event] {
	return s.readReversed(s.snapshot())
}

func (s *Store) ReadAllBackwardsFrom(ctx context.Context, before Position) itr.ErrIterator[event] {
	return s.readReversed(s.before(before))
}

func (s *Store) ReadLastEvent(ctx context.Context) (event, bool, error) {
	events := s.snapshot()
	if len(events) == 0 {
		return event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (s *Store) ReadCategoryForwards(ctx context.Context, category string, after Position) itr.ErrIterator[event] {
	return s.read(s.after(after)).Filter(store.InCategory[Position](category))
}

func (s *Store) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after Position,
) itr.ErrIterator[event] {
	return s.read(s.after(after)).Filter(store.InCategories[Position](categories))
}

func (s *Store) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[event] {
	return s.readReversed(s.snapshot()).Filter(store.InCategory[Position](category))
}

func (s *Store) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before Position,
) itr.ErrIterator[event] {
	return s.readReversed(s.before(before)).Filter(store.InCategory[Position](category))
}

func (s *Store) ReadLastEventInCategory(ctx context.Context, category string) (event, bool, error) {
	return s.ReadCategoryBackwards(ctx, category).First()
}

// stream collects the events of one stream from a single snapshot.
func (s *Store) stream(id store.StreamID) ([]event, error) {
	var events []event
	for _, e := range s.snapshot() {
		if e.Record.StreamID == id {
			events = append(events, e)
		}
	}
	if len(events) == 0 {
		return nil, &store.StreamNotFoundError{StreamID: id}
	}
	return events, nil
}

func (s *Store) ReadStreamForwards(
	ctx context.Context,
	id store.StreamID,
	afterEventNumber int64,
) (itr.ErrIterator[event], error) {
	events, err := s.stream(id)
	if err != nil {
		return nil, err
	}
	return s.read(events).Filter(func(e event) bool {
		return e.Record.EventNumber > afterEventNumber
	}), nil
}

func (s *Store) ReadStreamBackwards(ctx context.Context, id store.StreamID) (itr.ErrIterator[event], error) {
	events, err := s.stream(id)
	if err != nil {
		return nil, err
	}
	return s.readReversed(events), nil
}

func (s *Store) ReadStreamBackwardsFrom(
	ctx context.Context,
	id store.StreamID,
	beforeEventNumber int64,
) (itr.ErrIterator[event], error) {
	events, err := s.stream(id)
	if err != nil {
		return nil, err
	}
	return s.readReversed(events).Filter(func(e event) bool {
		return e.Record.EventNumber < beforeEventNumber
	}), nil
}

func (s *Store) ReadLastEventInStream(ctx context.Context, id store.StreamID) (event, error) {
	events, err := s.stream(id)
	if err != nil {
		return event{}, err
	}
	return events[len(events)-1], nil
}

var _ store.Store[Position] = &Store{}
