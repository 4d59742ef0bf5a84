package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
)

const columns = "position, stream_category, stream_id, event_number, event_type, data, metadata, created_at"

func scanEvent(rows interface{ Scan(dest ...any) error }) (event, error) {
	var e event
	err := rows.Scan(
		&e.Position,
		&e.Record.StreamID.Category,
		&e.Record.StreamID.ID,
		&e.Record.EventNumber,
		&e.Record.EventType,
		&e.Record.Data,
		&e.Record.Metadata,
		&e.Record.Timestamp,
	)
	return e, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (event, bool, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return event{}, false, nil
	}
	if err != nil {
		return event{}, false, s.connectivity("reading last event", err)
	}
	return e, true, nil
}

func (s *Store) lastPosition(ctx context.Context) (Position, error) {
	var last Position
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM "+s.table).Scan(&last)
	return last, err
}

// filter is an extra condition on top of the paging range.
type filter struct {
	where string
	args  []any
}

func categoryFilter(categories ...string) filter {
	if len(categories) == 1 {
		return filter{
			where: " AND stream_category = ?",
			args:  []any{categories[0]},
		}
	}
	args := make([]any, len(categories))
	for i, c := range categories {
		args[i] = c
	}
	return filter{
		where: " AND stream_category IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(categories)), ", ") + ")",
		args:  args,
	}
}

func streamFilter(id store.StreamID) filter {
	return filter{
		where: " AND stream_category = ? AND stream_id = ?",
		args:  []any{id.Category, id.ID},
	}
}

// page runs one ranged query, the range is the first two arguments.
func (s *Store) page(ctx context.Context, query string, from, to any, f filter) ([]event, error) {
	args := make([]any, 0, len(f.args)+3)
	args = append(args, from, to)
	args = append(args, f.args...)
	args = append(args, s.batchSize)
	return s.query(ctx, query, args...)
}

// forwards pages through everything after the position up to the last position at the time reading starts.
func (s *Store) forwards(ctx context.Context, after Position, f filter) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		upper, err := s.lastPosition(ctx)
		if err != nil {
			yield(event{}, s.connectivity("reading last position", err))
			return
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE position > ? AND position <= ?%s ORDER BY position ASC LIMIT ?",
			columns, s.table, f.where,
		)
		cursor := after
		for cursor < upper {
			events, err := s.page(ctx, query, uint64(cursor), uint64(upper), f)
			if err != nil {
				yield(event{}, s.connectivity("reading events", err))
				return
			}
			for _, e := range events {
				n++
				if !yield(e, nil) {
					return
				}
			}
			if len(events) < s.batchSize {
				return
			}
			cursor = events[len(events)-1].Position
		}
	}
}

// backwards pages from before towards the start, a zero before reads from the tail.
func (s *Store) backwards(ctx context.Context, before Position, f filter) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		if before == 0 {
			upper, err := s.lastPosition(ctx)
			if err != nil {
				yield(event{}, s.connectivity("reading last position", err))
				return
			}
			before = upper + 1
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE position < ? AND position > ?%s ORDER BY position DESC LIMIT ?",
			columns, s.table, f.where,
		)
		cursor := before
		for cursor > 1 {
			events, err := s.page(ctx, query, uint64(cursor), 0, f)
			if err != nil {
				yield(event{}, s.connectivity("reading events", err))
				return
			}
			for _, e := range events {
				n++
				if !yield(e, nil) {
					return
				}
			}
			if len(events) < s.batchSize {
				return
			}
			cursor = events[len(events)-1].Position
		}
	}
}

func (s *Store) ReadAllForwards(ctx context.Context, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after, filter{})
}

func (s *Store) ReadAllBackwards(ctx context.Context) itr.ErrIterator[event] {
	return s.backwards(ctx, 0, filter{})
}

func (s *Store) ReadAllBackwardsFrom(ctx context.Context, before Position) itr.ErrIterator[event] {
	if before == 0 {
		return itr.Empty[event]()
	}
	return s.backwards(ctx, before, filter{})
}

func (s *Store) ReadLastEvent(ctx context.Context) (event, bool, error) {
	return s.queryOne(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY position DESC LIMIT 1", columns, s.table))
}

func (s *Store) ReadCategoryForwards(ctx context.Context, category string, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after, categoryFilter(category))
}

func (s *Store) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after Position,
) itr.ErrIterator[event] {
	if len(categories) == 0 {
		return itr.Empty[event]()
	}
	return s.forwards(ctx, after, categoryFilter(categories...))
}

func (s *Store) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[event] {
	return s.backwards(ctx, 0, categoryFilter(category))
}

func (s *Store) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before Position,
) itr.ErrIterator[event] {
	if before == 0 {
		return itr.Empty[event]()
	}
	return s.backwards(ctx, before, categoryFilter(category))
}

func (s *Store) ReadLastEventInCategory(ctx context.Context, category string) (event, bool, error) {
	return s.queryOne(
		ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE stream_category = ? ORDER BY position DESC LIMIT 1", columns, s.table),
		category,
	)
}

// streamPages pages a stream by event number. The upper bound is the stream version found by the caller.
func (s *Store) streamPages(ctx context.Context, id store.StreamID, from, to int64, forwards bool) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		direction := "ASC"
		if !forwards {
			direction = "DESC"
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE event_number > ? AND event_number < ?%s ORDER BY event_number %s LIMIT ?",
			columns, s.table, streamFilter(id).where, direction,
		)
		for from+1 < to {
			events, err := s.page(ctx, query, from, to, streamFilter(id))
			if err != nil {
				yield(event{}, s.connectivity("reading stream", err))
				return
			}
			for _, e := range events {
				n++
				if !yield(e, nil) {
					return
				}
			}
			if len(events) < s.batchSize {
				return
			}
			last := events[len(events)-1].Record.EventNumber
			if forwards {
				from = last
			} else {
				to = last
			}
		}
	}
}

func (s *Store) existingStream(ctx context.Context, id store.StreamID) (int64, error) {
	version, err := s.streamVersion(ctx, s.db, id)
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
	return s.streamPages(ctx, id, afterEventNumber, version+1, true), nil
}

func (s *Store) ReadStreamBackwards(ctx context.Context, id store.StreamID) (itr.ErrIterator[event], error) {
	version, err := s.existingStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.streamPages(ctx, id, store.EmptyStreamEventNumber, version+1, false), nil
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
	return s.streamPages(ctx, id, store.EmptyStreamEventNumber, min(beforeEventNumber, version+1), false), nil
}

func (s *Store) ReadLastEventInStream(ctx context.Context, id store.StreamID) (event, error) {
	e, ok, err := s.queryOne(
		ctx,
		fmt.Sprintf(
			"SELECT %s FROM %s WHERE stream_category = ? AND stream_id = ? ORDER BY event_number DESC LIMIT 1",
			columns, s.table,
		),
		id.Category,
		id.ID,
	)
	if err != nil {
		return event{}, err
	}
	if !ok {
		return event{}, &store.StreamNotFoundError{StreamID: id}
	}
	return e, nil
}
