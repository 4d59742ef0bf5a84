package store

import (
	"errors"
	"fmt"
)

var (
	ErrStreamNotFound  = errors.New("stream not found")
	ErrVersionMismatch = errors.New("wrong expected version")
	ErrDuplicateStream = errors.New("duplicate stream in write request")
	ErrConnectivity    = errors.New("backend connectivity failure")
	ErrReadOnly        = errors.New("source is read only")
)

type StreamNotFoundError struct {
	StreamID StreamID
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream %s not found", e.StreamID)
}

func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

type VersionMismatchError struct {
	StreamID StreamID
	Actual   int64
	Expected int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf(
		"wrong expected version for %s: actual %d, expected %d",
		e.StreamID,
		e.Actual,
		e.Expected,
	)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

type DuplicateStreamError struct {
	StreamID StreamID
}

func (e *DuplicateStreamError) Error() string {
	return fmt.Sprintf("Duplicate streamId in write request: %s", e.StreamID)
}

func (e *DuplicateStreamError) Is(target error) bool {
	return target == ErrDuplicateStream
}

// ConnectivityError wraps any I/O or protocol failure from a backend.
type ConnectivityError struct {
	Backend string
	Op      string
	Err     error
}

func NewConnectivityError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectivityError{
		Backend: backend,
		Op:      op,
		Err:     err,
	}
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectivity
}

// CheckDuplicates rejects a batch that targets the same stream twice.
func CheckDuplicates(requests []StreamWriteRequest) error {
	seen := make(map[StreamID]struct{}, len(requests))
	for _, r := range requests {
		if _, ok := seen[r.StreamID]; ok {
			return &DuplicateStreamError{StreamID: r.StreamID}
		}
		seen[r.StreamID] = struct{}{}
	}
	return nil
}

// CheckVersion compares the current version of a stream with the expected one.
func CheckVersion(id StreamID, current int64, expected ExpectedVersion) error {
	v, ok := expected.Value()
	if !ok || v == current {
		return nil
	}
	return &VersionMismatchError{
		StreamID: id,
		Actual:   current,
		Expected: v,
	}
}
