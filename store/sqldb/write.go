package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iidesho/eventsource/store"
)

// ErrPositionConflict is a write that collided with another writer on a different stream.
// The stream itself is unchanged, retrying the write is safe.
var ErrPositionConflict = errors.New("position taken by a concurrent writer")

func (s *Store) Write(ctx context.Context, id store.StreamID, events []store.NewEvent) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.append(ctx, id, events, store.ExpectedVersion{})
}

func (s *Store) WriteExpected(
	ctx context.Context,
	id store.StreamID,
	events []store.NewEvent,
	expected int64,
) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.append(ctx, id, events, store.ExactVersion(expected))
}

// Execute commits every request in its own transaction.
func (s *Store) Execute(ctx context.Context, requests []store.StreamWriteRequest) error {
	err := store.CheckDuplicates(requests)
	if err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	var errs []error
	for _, r := range requests {
		err := s.append(ctx, r.StreamID, r.Events, r.ExpectedVersion)
		if log.WithError(err).Debug("batch request failed", "stream", r.StreamID) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) streamVersion(ctx context.Context, q rowQuerier, id store.StreamID) (int64, error) {
	var current sql.NullInt64
	err := q.QueryRowContext(
		ctx,
		"SELECT MAX(event_number) FROM "+s.table+" WHERE stream_category = ? AND stream_id = ?",
		id.Category,
		id.ID,
	).Scan(&current)
	if err != nil {
		return 0, err
	}
	if !current.Valid {
		return store.EmptyStreamEventNumber, nil
	}
	return current.Int64, nil
}

// append must be called with writeLock held.
func (s *Store) append(
	ctx context.Context,
	id store.StreamID,
	events []store.NewEvent,
	expected store.ExpectedVersion,
) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.connectivity("begin transaction", err)
	}
	defer tx.Rollback()
	current, err := s.streamVersion(ctx, tx, id)
	if err != nil {
		return s.connectivity("reading stream version", err)
	}
	err = store.CheckVersion(id, current, expected)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	var position Position
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM "+s.table).Scan(&position)
	if err != nil {
		return s.connectivity("reading last position", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (position, stream_category, stream_id, event_number, event_type, data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		return s.connectivity("preparing insert", err)
	}
	defer stmt.Close()
	now := s.clock().UTC()
	version := current
	for _, e := range events {
		position++
		version++
		_, err = stmt.ExecContext(
			ctx,
			uint64(position),
			id.Category,
			id.ID,
			version,
			e.Type,
			e.Data,
			e.Metadata,
			now,
		)
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				stmt.Close()
				tx.Rollback()
				return s.concurrentWrite(ctx, id, current, expected, err)
			}
			return s.connectivity("inserting event", err)
		}
	}
	err = tx.Commit()
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return s.concurrentWrite(ctx, id, current, expected, err)
		}
		return s.connectivity("commit", err)
	}
	s.counters.Write(s.name, len(events), start)
	return nil
}

// concurrentWrite reports a write that lost against another writer of the same table.
// The transaction must already be finished, sqlite has a single connection.
func (s *Store) concurrentWrite(
	ctx context.Context,
	id store.StreamID,
	read int64,
	expected store.ExpectedVersion,
	cause error,
) error {
	actual, err := s.streamVersion(ctx, s.db, id)
	if err != nil {
		return s.connectivity("reading stream version after conflict", err)
	}
	if actual == read {
		log.Warning("position taken by concurrent writer", "stream", id, "version", actual)
		return s.connectivity("inserting event", fmt.Errorf("%w: %w", ErrPositionConflict, cause))
	}
	want, ok := expected.Value()
	if !ok {
		want = read
	}
	log.Warning("concurrent write detected", "stream", id, "actual", actual, "expected", want)
	return &store.VersionMismatchError{
		StreamID: id,
		Actual:   actual,
		Expected: want,
	}
}
