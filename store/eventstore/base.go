package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/esdb"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const BATCH_SIZE = 1000

// Position is the transaction log position of an event in EventStoreDB.
type Position struct {
	Commit  uint64
	Prepare uint64
}

func (p Position) String() string {
	return strconv.FormatUint(p.Commit, 10) + "/" + strconv.FormatUint(p.Prepare, 10)
}

func (p Position) toEsdb() esdb.Position {
	return esdb.Position{
		Commit:  p.Commit,
		Prepare: p.Prepare,
	}
}

func fromEsdb(p esdb.Position) Position {
	return Position{
		Commit:  p.Commit,
		Prepare: p.Prepare,
	}
}

type codec struct{}

var Codec store.PositionCodec[Position] = codec{}

func (codec) SerializePosition(p Position) string {
	return p.String()
}

func (codec) DeserializePosition(serialized string) (Position, error) {
	commit, prepare, ok := strings.Cut(serialized, "/")
	if !ok {
		return Position{}, fmt.Errorf("invalid position %q, expected <commit>/<prepare>", serialized)
	}
	c, err := strconv.ParseUint(commit, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid commit in position %q: %w", serialized, err)
	}
	p, err := strconv.ParseUint(prepare, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid prepare in position %q: %w", serialized, err)
	}
	return Position{Commit: c, Prepare: p}, nil
}

func (codec) ComparePositions(a, b Position) int {
	switch {
	case a.Commit < b.Commit:
		return -1
	case a.Commit > b.Commit:
		return 1
	case a.Prepare < b.Prepare:
		return -1
	case a.Prepare > b.Prepare:
		return 1
	}
	return 0
}

type event = store.ResolvedEvent[Position]

type Client struct {
	c *esdb.Client
}

func NewClient(host string) (c *Client, err error) {
	settings, err := esdb.ParseConnectionString(fmt.Sprintf("esdb://%s:2113?tls=false", host))
	if err != nil {
		return
	}
	esClient, err := esdb.NewClient(settings)
	if err != nil {
		return
	}
	c = &Client{
		c: esClient,
	}
	return
}

func (c *Client) Close() error {
	return c.c.Close()
}

// Store maps every stream id to the EventStoreDB stream <category>-<id>.
// Category reads scan $all and filter on the stream name.
type Store struct {
	c         *Client
	name      string
	batchSize uint64
	counters  *metrics.Counters
}

func New(c *Client, name string) (*Store, error) {
	counters, err := metrics.NewCounters("eventstore", "eventstore")
	if err != nil {
		return nil, err
	}
	return &Store{
		c:         c,
		name:      name,
		batchSize: BATCH_SIZE,
		counters:  counters,
	}, nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Monitoring() []health.Component {
	return []health.Component{
		health.NewComponent("eventstore-"+s.name, "EventStoreDB", func(ctx context.Context) (health.Status, string) {
			_, _, err := s.ReadLastEvent(ctx)
			if err != nil {
				return health.StatusCritical, err.Error()
			}
			return health.StatusOK, "connected"
		}),
	}
}

func (s *Store) EmptyStorePosition() Position {
	return Position{}
}

func (s *Store) EmptyCategoryPosition(string) Position {
	return Position{}
}

func (s *Store) PositionCodec() store.PositionCodec[Position] {
	return Codec
}

func (s *Store) connectivity(op string, err error) error {
	return store.NewConnectivityError("eventstore "+s.name, op, err)
}

var (
	escapeCategory   = strings.NewReplacer("%", "%25", "-", "%2D")
	unescapeCategory = strings.NewReplacer("%2D", "-", "%25", "%")
)

// streamName is category-id with '-' escaped in the category, eventstore
// categorizes streams by the first '-'.
func streamName(id store.StreamID) string {
	return escapeCategory.Replace(id.Category) + "-" + id.ID
}

func parseStreamName(name string) (store.StreamID, error) {
	id, err := store.ParseStreamID(name)
	if err != nil {
		return id, err
	}
	id.Category = unescapeCategory.Replace(id.Category)
	return id, nil
}

// resolve turns a recorded event into a store event, ok is false for system and foreign streams.
func resolve(e *esdb.RecordedEvent) (event, bool) {
	if e == nil || strings.HasPrefix(e.StreamID, "$") {
		return event{}, false
	}
	id, err := parseStreamName(e.StreamID)
	if err != nil {
		log.Debug("skipping event from foreign stream", "stream", e.StreamID)
		return event{}, false
	}
	return store.Resolve(fromEsdb(e.Position), store.EventRecord{
		StreamID:    id,
		EventNumber: int64(e.EventNumber),
		EventType:   e.EventType,
		Data:        e.Data,
		Metadata:    e.UserMetadata,
		Timestamp:   e.CreatedDate,
	}), true
}

// recvAll drains a read into memory, a read is never larger than one page.
func recvAll(rs *esdb.ReadStream) ([]*esdb.RecordedEvent, error) {
	defer rs.Close()
	var events []*esdb.RecordedEvent
	for {
		e, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, e.Event)
	}
}

func (s *Store) toEventData(events []store.NewEvent) []esdb.EventData {
	data := make([]esdb.EventData, len(events))
	for i, e := range events {
		data[i] = esdb.EventData{
			EventID:     uuid.Must(uuid.NewV7()),
			ContentType: esdb.BinaryContentType,
			EventType:   e.Type,
			Data:        e.Data,
			Metadata:    e.Metadata,
		}
	}
	return data
}

// streamVersion is the event number of the last event in the stream, EmptyStreamEventNumber when it has none.
func (s *Store) streamVersion(ctx context.Context, id store.StreamID) (int64, error) {
	rs, err := s.c.c.ReadStream(ctx, streamName(id), esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if errors.Is(err, esdb.ErrStreamNotFound) {
		return store.EmptyStreamEventNumber, nil
	}
	if err != nil {
		return 0, err
	}
	events, err := recvAll(rs)
	if errors.Is(err, esdb.ErrStreamNotFound) {
		return store.EmptyStreamEventNumber, nil
	}
	if err != nil {
		return 0, err
	}
	if len(events) == 0 || events[0] == nil {
		return store.EmptyStreamEventNumber, nil
	}
	return int64(events[0].EventNumber), nil
}

func expectedRevision(expected store.ExpectedVersion) esdb.ExpectedRevision {
	v, ok := expected.Value()
	switch {
	case !ok:
		return esdb.Any{}
	case v == store.EmptyStreamEventNumber:
		return esdb.NoStream{}
	default:
		return esdb.Revision(uint64(v))
	}
}

func (s *Store) append(ctx context.Context, id store.StreamID, events []store.NewEvent, expected store.ExpectedVersion) error {
	start := time.Now()
	if len(events) == 0 {
		current, err := s.streamVersion(ctx, id)
		if err != nil {
			return s.connectivity("reading stream version", err)
		}
		return store.CheckVersion(id, current, expected)
	}
	_, err := s.c.c.AppendToStream(ctx, streamName(id), esdb.AppendToStreamOptions{
		ExpectedRevision: expectedRevision(expected),
	}, s.toEventData(events)...)
	if err != nil {
		// The server rejects a wrong expected revision, find out if that is what happened.
		current, verr := s.streamVersion(ctx, id)
		if verr == nil {
			if mismatch := store.CheckVersion(id, current, expected); mismatch != nil {
				return mismatch
			}
		}
		return s.connectivity("append to "+streamName(id), err)
	}
	s.counters.Write(s.name, len(events), start)
	return nil
}

func (s *Store) Write(ctx context.Context, id store.StreamID, events []store.NewEvent) error {
	return s.append(ctx, id, events, store.ExpectedVersion{})
}

func (s *Store) WriteExpected(
	ctx context.Context,
	id store.StreamID,
	events []store.NewEvent,
	expected int64,
) error {
	return s.append(ctx, id, events, store.ExactVersion(expected))
}

// Execute appends every request on its own, EventStoreDB has no multi stream transactions.
func (s *Store) Execute(ctx context.Context, requests []store.StreamWriteRequest) error {
	err := store.CheckDuplicates(requests)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range requests {
		err := s.append(ctx, r.StreamID, r.Events, r.ExpectedVersion)
		if log.WithError(err).Debug("batch request failed", "stream", r.StreamID) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ store.Store[Position] = &Store{}
