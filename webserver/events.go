package webserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
)

const (
	DefaultPageSize = 1000
	MaxPageSize     = 10000
)

// Event is the wire form of a resolved event, the position is serialized with the source's codec.
type Event struct {
	Position string            `json:"position"`
	Record   store.EventRecord `json:"record"`
}

type Page struct {
	Events []Event `json:"events"`
}

type Last struct {
	Event *Event `json:"event"`
}

type EmptyPositions struct {
	Store    string `json:"store"`
	Category string `json:"category,omitempty"`
}

type WriteRequest struct {
	Events          []store.NewEvent `json:"events"`
	ExpectedVersion *int64           `json:"expected_version,omitempty"`
}

type BatchRequest struct {
	Stream          store.StreamID   `json:"stream"`
	Events          []store.NewEvent `json:"events"`
	ExpectedVersion *int64           `json:"expected_version,omitempty"`
}

const (
	KindStreamNotFound  = "stream_not_found"
	KindVersionMismatch = "version_mismatch"
	KindDuplicateStream = "duplicate_stream"
	KindReadOnly        = "read_only"
	KindBadRequest      = "bad_request"
	KindInternal        = "internal"
)

type StoreError struct {
	Error    string          `json:"error"`
	Kind     string          `json:"kind"`
	Stream   *store.StreamID `json:"stream,omitempty"`
	Actual   *int64          `json:"actual,omitempty"`
	Expected *int64          `json:"expected,omitempty"`
}

func ToExpectedVersion(v *int64) store.ExpectedVersion {
	if v == nil {
		return store.ExpectedVersion{}
	}
	return store.ExactVersion(*v)
}

// storeError writes the typed store errors as status codes the gateway client maps back.
func storeError(c *fiber.Ctx, err error) error {
	body := StoreError{
		Error: err.Error(),
		Kind:  KindInternal,
	}
	status := http.StatusInternalServerError
	var notFound *store.StreamNotFoundError
	var mismatch *store.VersionMismatchError
	var duplicate *store.DuplicateStreamError
	switch {
	case errors.As(err, &duplicate):
		status, body.Kind, body.Stream = http.StatusBadRequest, KindDuplicateStream, &duplicate.StreamID
	case errors.As(err, &mismatch):
		status, body.Kind, body.Stream = http.StatusConflict, KindVersionMismatch, &mismatch.StreamID
		body.Actual, body.Expected = &mismatch.Actual, &mismatch.Expected
	case errors.As(err, &notFound):
		status, body.Kind, body.Stream = http.StatusNotFound, KindStreamNotFound, &notFound.StreamID
	case errors.Is(err, store.ErrReadOnly):
		status, body.Kind = http.StatusMethodNotAllowed, KindReadOnly
	default:
		log.WithError(err).Error("event request failed", "path", c.Path())
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(http.StatusBadRequest).JSON(StoreError{
		Error: err.Error(),
		Kind:  KindBadRequest,
	})
}

type eventRoutes[P any] struct {
	src   store.Source[P]
	codec store.PositionCodec[P]
}

// RegisterEventRoutes exposes a source over JSON. Stream reads and writes are only
// served when the source also implements those capabilities, otherwise they answer 405.
func RegisterEventRoutes[P any](r fiber.Router, src store.Source[P]) {
	e := eventRoutes[P]{
		src:   src,
		codec: src.PositionCodec(),
	}
	r.Get("/events/all", e.readAll)
	r.Get("/events/all/last", e.lastAll)
	r.Get("/events/categories", e.readCategories)
	r.Get("/events/categories/:category", e.readCategory)
	r.Get("/events/categories/:category/last", e.lastInCategory)
	r.Get("/streams/:category/:id", e.readStream)
	r.Get("/streams/:category/:id/last", e.lastInStream)
	r.Post("/streams/:category/:id", e.writeStream)
	r.Post("/batch", e.batch)
	r.Get("/positions/empty", e.emptyPositions)
}

func (e eventRoutes[P]) toWire(events []store.ResolvedEvent[P]) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = Event{
			Position: e.codec.SerializePosition(ev.Position),
			Record:   ev.Record,
		}
	}
	return out
}

func limit(c *fiber.Ctx) (int, error) {
	l := c.Query("limit")
	if l == "" {
		return DefaultPageSize, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, MaxPageSize), nil
}

func backwards(c *fiber.Ctx) (bool, error) {
	switch c.Query("direction", "forwards") {
	case "forwards":
		return false, nil
	case "backwards":
		return true, nil
	}
	return false, errors.New("direction must be forwards or backwards")
}

// position reads an optional position query parameter.
func (e eventRoutes[P]) position(c *fiber.Ctx, key string) (p P, ok bool, err error) {
	raw := c.Query(key)
	if raw == "" {
		return p, false, nil
	}
	p, err = e.codec.DeserializePosition(raw)
	return p, err == nil, err
}

func (e eventRoutes[P]) page(c *fiber.Ctx, seq itr.ErrIterator[store.ResolvedEvent[P]]) error {
	n, err := limit(c)
	if err != nil {
		return badRequest(c, err)
	}
	events, err := seq.Take(n).Collect()
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(Page{Events: e.toWire(events)})
}

func (e eventRoutes[P]) last(c *fiber.Ctx, ev store.ResolvedEvent[P], ok bool, err error) error {
	if err != nil {
		return storeError(c, err)
	}
	if !ok {
		return c.JSON(Last{})
	}
	return c.JSON(Last{Event: &e.toWire([]store.ResolvedEvent[P]{ev})[0]})
}

// ranged picks forwards, backwards or backwards from a position out of the query.
func (e eventRoutes[P]) ranged(
	c *fiber.Ctx,
	forwards func(after P) itr.ErrIterator[store.ResolvedEvent[P]],
	tail func() itr.ErrIterator[store.ResolvedEvent[P]],
	from func(before P) itr.ErrIterator[store.ResolvedEvent[P]],
	empty P,
) error {
	back, err := backwards(c)
	if err != nil {
		return badRequest(c, err)
	}
	if !back {
		after, ok, err := e.position(c, "after")
		if err != nil {
			return badRequest(c, err)
		}
		if !ok {
			after = empty
		}
		return e.page(c, forwards(after))
	}
	before, ok, err := e.position(c, "before")
	if err != nil {
		return badRequest(c, err)
	}
	if !ok {
		return e.page(c, tail())
	}
	return e.page(c, from(before))
}

func (e eventRoutes[P]) readAll(c *fiber.Ctx) error {
	ctx := c.UserContext()
	return e.ranged(c,
		func(after P) itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadAllForwards(ctx, after)
		},
		func() itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadAllBackwards(ctx)
		},
		func(before P) itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadAllBackwardsFrom(ctx, before)
		},
		e.src.EmptyStorePosition(),
	)
}

func (e eventRoutes[P]) lastAll(c *fiber.Ctx) error {
	ev, ok, err := e.src.ReadLastEvent(c.UserContext())
	return e.last(c, ev, ok, err)
}

func (e eventRoutes[P]) readCategory(c *fiber.Ctx) error {
	ctx := c.UserContext()
	category := c.Params("category")
	return e.ranged(c,
		func(after P) itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadCategoryForwards(ctx, category, after)
		},
		func() itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadCategoryBackwards(ctx, category)
		},
		func(before P) itr.ErrIterator[store.ResolvedEvent[P]] {
			return e.src.ReadCategoryBackwardsFrom(ctx, category, before)
		},
		e.src.EmptyCategoryPosition(category),
	)
}

func (e eventRoutes[P]) readCategories(c *fiber.Ctx) error {
	var categories []string
	for _, category := range strings.Split(c.Query("categories"), ",") {
		if category != "" {
			categories = append(categories, category)
		}
	}
	if len(categories) == 0 {
		return badRequest(c, errors.New("categories must name at least one category"))
	}
	after, ok, err := e.position(c, "after")
	if err != nil {
		return badRequest(c, err)
	}
	if !ok {
		after = e.src.EmptyStorePosition()
	}
	return e.page(c, e.src.ReadCategoriesForwards(c.UserContext(), categories, after))
}

func (e eventRoutes[P]) lastInCategory(c *fiber.Ctx) error {
	ev, ok, err := e.src.ReadLastEventInCategory(c.UserContext(), c.Params("category"))
	return e.last(c, ev, ok, err)
}

func eventNumber(c *fiber.Ctx, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New(key + " must be an event number")
	}
	return n, nil
}

func streamID(c *fiber.Ctx) store.StreamID {
	return store.NewStreamID(c.Params("category"), c.Params("id"))
}

func (e eventRoutes[P]) readStream(c *fiber.Ctx) error {
	reader, ok := e.src.(store.EventStreamReader[P])
	if !ok {
		return storeError(c, store.ErrReadOnly)
	}
	ctx := c.UserContext()
	id := streamID(c)
	back, err := backwards(c)
	if err != nil {
		return badRequest(c, err)
	}
	var seq itr.ErrIterator[store.ResolvedEvent[P]]
	switch {
	case !back:
		var after int64
		after, err = eventNumber(c, "after", store.EmptyStreamEventNumber)
		if err != nil {
			return badRequest(c, err)
		}
		seq, err = reader.ReadStreamForwards(ctx, id, after)
	case c.Query("before") == "":
		seq, err = reader.ReadStreamBackwards(ctx, id)
	default:
		var before int64
		before, err = eventNumber(c, "before", 0)
		if err != nil {
			return badRequest(c, err)
		}
		seq, err = reader.ReadStreamBackwardsFrom(ctx, id, before)
	}
	if err != nil {
		return storeError(c, err)
	}
	return e.page(c, seq)
}

func (e eventRoutes[P]) lastInStream(c *fiber.Ctx) error {
	reader, ok := e.src.(store.EventStreamReader[P])
	if !ok {
		return storeError(c, store.ErrReadOnly)
	}
	ev, err := reader.ReadLastEventInStream(c.UserContext(), streamID(c))
	return e.last(c, ev, err == nil, err)
}

func (e eventRoutes[P]) writeStream(c *fiber.Ctx) error {
	writer, ok := e.src.(store.EventStreamWriter)
	if !ok {
		return storeError(c, store.ErrReadOnly)
	}
	req, err := UnmarshalBody[WriteRequest](c)
	if err != nil {
		return badRequest(c, err)
	}
	id := streamID(c)
	if req.ExpectedVersion == nil {
		err = writer.Write(c.UserContext(), id, req.Events)
	} else {
		err = writer.WriteExpected(c.UserContext(), id, req.Events, *req.ExpectedVersion)
	}
	if err != nil {
		return storeError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (e eventRoutes[P]) batch(c *fiber.Ctx) error {
	writer, ok := e.src.(store.EventStreamWriter)
	if !ok {
		return storeError(c, store.ErrReadOnly)
	}
	reqs, err := UnmarshalBody[[]BatchRequest](c)
	if err != nil {
		return badRequest(c, err)
	}
	requests := make([]store.StreamWriteRequest, len(reqs))
	for i, r := range reqs {
		requests[i] = store.StreamWriteRequest{
			StreamID:        r.Stream,
			Events:          r.Events,
			ExpectedVersion: ToExpectedVersion(r.ExpectedVersion),
		}
	}
	err = writer.Execute(c.UserContext(), requests)
	if err != nil {
		return storeError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (e eventRoutes[P]) emptyPositions(c *fiber.Ctx) error {
	resp := EmptyPositions{
		Store: e.codec.SerializePosition(e.src.EmptyStorePosition()),
	}
	if category := c.Query("category"); category != "" {
		resp.Category = e.codec.SerializePosition(e.src.EmptyCategoryPosition(category))
	}
	return c.JSON(resp)
}
