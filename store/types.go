package store

import (
	"fmt"
	"strings"
	"time"
)

// EmptyStreamEventNumber is the version of a stream that has no events.
const EmptyStreamEventNumber int64 = -1

type StreamID struct {
	Category string `json:"category"`
	ID       string `json:"id"`
}

func NewStreamID(category, id string) StreamID {
	return StreamID{
		Category: category,
		ID:       id,
	}
}

func (s StreamID) String() string {
	return s.Category + "-" + s.ID
}

// ParseStreamID splits at the first '-', the category can therefore not contain one.
func ParseStreamID(s string) (StreamID, error) {
	category, id, ok := strings.Cut(s, "-")
	if !ok || category == "" {
		return StreamID{}, fmt.Errorf("invalid stream id %q, expected <category>-<id>", s)
	}
	return NewStreamID(category, id), nil
}

type NewEvent struct {
	Type     string `json:"type"`
	Data     []byte `json:"data"`
	Metadata []byte `json:"metadata"`
}

type EventRecord struct {
	StreamID    StreamID  `json:"stream"`
	EventNumber int64     `json:"event_number"`
	EventType   string    `json:"event_type"`
	Data        []byte    `json:"data"`
	Metadata    []byte    `json:"metadata"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResolvedEvent anchors a record at its place in a backend's global order.
type ResolvedEvent[P any] struct {
	Position P
	Record   EventRecord
}

func Resolve[P any](position P, record EventRecord) ResolvedEvent[P] {
	return ResolvedEvent[P]{
		Position: position,
		Record:   record,
	}
}

// ExpectedVersion is implicit when zero, the write then appends after whatever the stream holds.
type ExpectedVersion struct {
	version int64
	set     bool
}

func ExactVersion(version int64) ExpectedVersion {
	return ExpectedVersion{
		version: version,
		set:     true,
	}
}

func (e ExpectedVersion) Value() (int64, bool) {
	return e.version, e.set
}

func (e ExpectedVersion) String() string {
	if !e.set {
		return "any"
	}
	return fmt.Sprint(e.version)
}

type StreamWriteRequest struct {
	StreamID        StreamID
	Events          []NewEvent
	ExpectedVersion ExpectedVersion
}
