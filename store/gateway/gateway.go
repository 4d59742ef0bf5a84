package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/webserver"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const DefaultTimeout = 30 * time.Second

// Gateway is a store backed by a remote event API. The codec must be the remote source's codec.
type Gateway[P any] struct {
	base     *url.URL
	codec    store.PositionCodec[P]
	client   *fasthttp.Client
	pageSize int
	counters *metrics.Counters

	empty           P
	categoriesLock  sync.Mutex
	emptyCategories map[string]P
}

type OptFunc[P any] func(*Gateway[P])

// WithClient replaces the default fasthttp client, tests use it to dial in memory listeners.
func WithClient[P any](client *fasthttp.Client) OptFunc[P] {
	return func(g *Gateway[P]) {
		g.client = client
	}
}

func WithPageSize[P any](size int) OptFunc[P] {
	return func(g *Gateway[P]) {
		if size > 0 {
			g.pageSize = size
		}
	}
}

// New reads the remote's empty store position, an unreachable remote fails construction.
func New[P any](ctx context.Context, rawURL string, codec store.PositionCodec[P], opts ...OptFunc[P]) (*Gateway[P], error) {
	base, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url %q: %w", rawURL, err)
	}
	counters, err := metrics.NewCounters("gateway", "gateway")
	if err != nil {
		return nil, err
	}
	g := &Gateway[P]{
		base:  base,
		codec: codec,
		client: &fasthttp.Client{
			Name:         "eventsource-gateway",
			ReadTimeout:  DefaultTimeout,
			WriteTimeout: DefaultTimeout,
		},
		pageSize:        webserver.DefaultPageSize,
		counters:        counters,
		emptyCategories: map[string]P{},
	}
	for _, opt := range opts {
		opt(g)
	}
	resp, err := g.emptyPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("reading empty store position: %w", err)
	}
	g.empty, err = g.codec.DeserializePosition(resp.Store)
	if err != nil {
		return nil, fmt.Errorf("decoding empty store position: %w", err)
	}
	return g, nil
}

func (g *Gateway[P]) Name() string {
	return "gateway(" + g.base.String() + ")"
}

func (g *Gateway[P]) Monitoring() []health.Component {
	return []health.Component{
		health.NewComponent("gateway-"+g.base.Host, "Gateway ("+g.base.String()+")", func(ctx context.Context) (health.Status, string) {
			var report health.Report
			status, body, err := g.do(ctx, fasthttp.MethodGet, "/health", nil, nil)
			if err != nil {
				return health.StatusCritical, err.Error()
			}
			err = json.Unmarshal(body, &report)
			if err != nil {
				return health.StatusCritical, fmt.Sprintf("invalid health report with status %d: %v", status, err)
			}
			return report.Status, fmt.Sprintf("remote %s %s is %s", report.Name, report.Version, report.Status)
		}),
	}
}

func (g *Gateway[P]) EmptyStorePosition() P {
	return g.empty
}

// EmptyCategoryPosition is read once per category. When the remote can not be asked it
// falls back to the empty store position, which reads the whole category as well.
func (g *Gateway[P]) EmptyCategoryPosition(category string) P {
	g.categoriesLock.Lock()
	defer g.categoriesLock.Unlock()
	if p, ok := g.emptyCategories[category]; ok {
		return p
	}
	resp, err := g.emptyPositions(context.Background(), category)
	if log.WithError(err).Error("reading empty category position", "gateway", g.base, "category", category) {
		return g.empty
	}
	p, err := g.codec.DeserializePosition(resp.Category)
	if log.WithError(err).Error("decoding empty category position", "gateway", g.base, "category", category) {
		return g.empty
	}
	g.emptyCategories[category] = p
	return p
}

func (g *Gateway[P]) emptyPositions(ctx context.Context, category string) (resp webserver.EmptyPositions, err error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	err = g.get(ctx, "/positions/empty", q, &resp)
	return
}

func (g *Gateway[P]) PositionCodec() store.PositionCodec[P] {
	return g.codec
}

func (g *Gateway[P]) connectivity(op string, err error) error {
	return store.NewConnectivityError("gateway "+g.base.String(), op, err)
}

// do runs one request. The response body is copied, fasthttp reuses its buffers.
func (g *Gateway[P]) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	u := *g.base
	u.Path += path
	u.RawQuery = query.Encode()
	req.SetRequestURI(u.String())
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType(webserver.CONTENT_TYPE_JSON)
		req.SetBody(body)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	err := g.client.DoDeadline(req, resp, deadline)
	if err != nil {
		return 0, nil, g.connectivity(method+" "+path, err)
	}
	b, err := resp.BodyUncompressed()
	if err != nil {
		return 0, nil, g.connectivity("decoding "+path, err)
	}
	return resp.StatusCode(), append([]byte(nil), b...), nil
}

// toError maps a non 2xx answer back to the store error it was made from.
func (g *Gateway[P]) toError(path string, status int, body []byte) error {
	var se webserver.StoreError
	if json.Unmarshal(body, &se) != nil {
		return g.connectivity(path, fmt.Errorf("status %d: %s", status, body))
	}
	var id store.StreamID
	if se.Stream != nil {
		id = *se.Stream
	}
	switch se.Kind {
	case webserver.KindStreamNotFound:
		return &store.StreamNotFoundError{StreamID: id}
	case webserver.KindVersionMismatch:
		mismatch := &store.VersionMismatchError{StreamID: id}
		if se.Actual != nil {
			mismatch.Actual = *se.Actual
		}
		if se.Expected != nil {
			mismatch.Expected = *se.Expected
		}
		return mismatch
	case webserver.KindDuplicateStream:
		return &store.DuplicateStreamError{StreamID: id}
	case webserver.KindReadOnly:
		return store.ErrReadOnly
	case webserver.KindBadRequest:
		return fmt.Errorf("gateway rejected %s: %s", path, se.Error)
	}
	return g.connectivity(path, fmt.Errorf("status %d: %s", status, se.Error))
}

func (g *Gateway[P]) get(ctx context.Context, path string, query url.Values, v any) error {
	status, body, err := g.do(ctx, fasthttp.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return g.toError(path, status, body)
	}
	err = json.Unmarshal(body, v)
	if err != nil {
		return g.connectivity("decoding "+path, err)
	}
	return nil
}

func (g *Gateway[P]) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	status, resp, err := g.do(ctx, fasthttp.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return g.toError(path, status, resp)
	}
	return nil
}

func (g *Gateway[P]) fromWire(events []webserver.Event) ([]store.ResolvedEvent[P], error) {
	out := make([]store.ResolvedEvent[P], len(events))
	for i, e := range events {
		p, err := g.codec.DeserializePosition(e.Position)
		if err != nil {
			return nil, err
		}
		out[i] = store.Resolve(p, e.Record)
	}
	return out, nil
}

// pages fetches pages until a short one. next moves the query past the last event of a page.
func (g *Gateway[P]) pages(
	ctx context.Context,
	path string,
	query url.Values,
	next func(q url.Values, last store.ResolvedEvent[P]),
) itr.ErrIterator[store.ResolvedEvent[P]] {
	return func(yield func(store.ResolvedEvent[P], error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			g.counters.Read(g.Name(), n, start)
		}()
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(g.pageSize))
		for {
			var page webserver.Page
			err := g.get(ctx, path, q, &page)
			if err != nil {
				yield(store.ResolvedEvent[P]{}, err)
				return
			}
			events, err := g.fromWire(page.Events)
			if err != nil {
				yield(store.ResolvedEvent[P]{}, g.connectivity("decoding positions", err))
				return
			}
			for _, e := range events {
				n++
				if !yield(e, nil) {
					return
				}
			}
			if len(events) < g.pageSize {
				return
			}
			next(q, events[len(events)-1])
		}
	}
}

func (g *Gateway[P]) afterPosition(q url.Values, last store.ResolvedEvent[P]) {
	q.Set("after", g.codec.SerializePosition(last.Position))
}

func (g *Gateway[P]) beforePosition(q url.Values, last store.ResolvedEvent[P]) {
	q.Set("before", g.codec.SerializePosition(last.Position))
}

func (g *Gateway[P]) forwardsQuery(after P) url.Values {
	return url.Values{
		"after": {g.codec.SerializePosition(after)},
	}
}

func (g *Gateway[P]) backwardsQuery(before *P) url.Values {
	q := url.Values{
		"direction": {"backwards"},
	}
	if before != nil {
		q.Set("before", g.codec.SerializePosition(*before))
	}
	return q
}

func (g *Gateway[P]) last(ctx context.Context, path string) (store.ResolvedEvent[P], bool, error) {
	var last webserver.Last
	err := g.get(ctx, path, nil, &last)
	if err != nil || last.Event == nil {
		return store.ResolvedEvent[P]{}, false, err
	}
	events, err := g.fromWire([]webserver.Event{*last.Event})
	if err != nil {
		return store.ResolvedEvent[P]{}, false, g.connectivity("decoding position", err)
	}
	return events[0], true, nil
}

func (g *Gateway[P]) ReadAllForwards(ctx context.Context, after P) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, "/events/all", g.forwardsQuery(after), g.afterPosition)
}

func (g *Gateway[P]) ReadAllBackwards(ctx context.Context) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, "/events/all", g.backwardsQuery(nil), g.beforePosition)
}

func (g *Gateway[P]) ReadAllBackwardsFrom(ctx context.Context, before P) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, "/events/all", g.backwardsQuery(&before), g.beforePosition)
}

func (g *Gateway[P]) ReadLastEvent(ctx context.Context) (store.ResolvedEvent[P], bool, error) {
	return g.last(ctx, "/events/all/last")
}

func categoryPath(category string) string {
	return "/events/categories/" + url.PathEscape(category)
}

func (g *Gateway[P]) ReadCategoryForwards(
	ctx context.Context,
	category string,
	after P,
) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, categoryPath(category), g.forwardsQuery(after), g.afterPosition)
}

func (g *Gateway[P]) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after P,
) itr.ErrIterator[store.ResolvedEvent[P]] {
	if len(categories) == 0 {
		return itr.Empty[store.ResolvedEvent[P]]()
	}
	q := g.forwardsQuery(after)
	q.Set("categories", strings.Join(categories, ","))
	return g.pages(ctx, "/events/categories", q, g.afterPosition)
}

func (g *Gateway[P]) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, categoryPath(category), g.backwardsQuery(nil), g.beforePosition)
}

func (g *Gateway[P]) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before P,
) itr.ErrIterator[store.ResolvedEvent[P]] {
	return g.pages(ctx, categoryPath(category), g.backwardsQuery(&before), g.beforePosition)
}

func (g *Gateway[P]) ReadLastEventInCategory(ctx context.Context, category string) (store.ResolvedEvent[P], bool, error) {
	return g.last(ctx, categoryPath(category)+"/last")
}

func streamPath(id store.StreamID) string {
	return "/streams/" + url.PathEscape(id.Category) + "/" + url.PathEscape(id.ID)
}

// streamPages checks the stream exists up front so not found is the call's error.
func (g *Gateway[P]) streamPages(
	ctx context.Context,
	id store.StreamID,
	query url.Values,
	key string,
) (itr.ErrIterator[store.ResolvedEvent[P]], error) {
	_, err := g.ReadLastEventInStream(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.pages(ctx, streamPath(id), query, func(q url.Values, last store.ResolvedEvent[P]) {
		q.Set(key, strconv.FormatInt(last.Record.EventNumber, 10))
	}), nil
}

func (g *Gateway[P]) ReadStreamForwards(
	ctx context.Context,
	id store.StreamID,
	afterEventNumber int64,
) (itr.ErrIterator[store.ResolvedEvent[P]], error) {
	return g.streamPages(ctx, id, url.Values{
		"after": {strconv.FormatInt(afterEventNumber, 10)},
	}, "after")
}

func (g *Gateway[P]) ReadStreamBackwards(ctx context.Context, id store.StreamID) (itr.ErrIterator[store.ResolvedEvent[P]], error) {
	return g.streamPages(ctx, id, url.Values{
		"direction": {"backwards"},
	}, "before")
}

func (g *Gateway[P]) ReadStreamBackwardsFrom(
	ctx context.Context,
	id store.StreamID,
	beforeEventNumber int64,
) (itr.ErrIterator[store.ResolvedEvent[P]], error) {
	return g.streamPages(ctx, id, url.Values{
		"direction": {"backwards"},
		"before":    {strconv.FormatInt(beforeEventNumber, 10)},
	}, "before")
}

func (g *Gateway[P]) ReadLastEventInStream(ctx context.Context, id store.StreamID) (store.ResolvedEvent[P], error) {
	e, ok, err := g.last(ctx, streamPath(id)+"/last")
	if err != nil {
		return e, err
	}
	if !ok {
		return e, &store.StreamNotFoundError{StreamID: id}
	}
	return e, nil
}

func (g *Gateway[P]) Write(ctx context.Context, id store.StreamID, events []store.NewEvent) error {
	return g.write(ctx, id, webserver.WriteRequest{Events: events})
}

func (g *Gateway[P]) WriteExpected(
	ctx context.Context,
	id store.StreamID,
	events []store.NewEvent,
	expected int64,
) error {
	return g.write(ctx, id, webserver.WriteRequest{
		Events:          events,
		ExpectedVersion: &expected,
	})
}

func (g *Gateway[P]) write(ctx context.Context, id store.StreamID, req webserver.WriteRequest) error {
	start := time.Now()
	if req.Events == nil {
		req.Events = []store.NewEvent{}
	}
	err := g.post(ctx, streamPath(id), req)
	if err != nil {
		return err
	}
	g.counters.Write(g.Name(), len(req.Events), start)
	return nil
}

// Execute validates duplicates locally, the remote store does the rest.
func (g *Gateway[P]) Execute(ctx context.Context, requests []store.StreamWriteRequest) error {
	err := store.CheckDuplicates(requests)
	if err != nil {
		return err
	}
	batch := make([]webserver.BatchRequest, len(requests))
	for i, r := range requests {
		batch[i] = webserver.BatchRequest{
			Stream: r.StreamID,
			Events: r.Events,
		}
		if v, ok := r.ExpectedVersion.Value(); ok {
			batch[i].ExpectedVersion = &v
		}
		if batch[i].Events == nil {
			batch[i].Events = []store.NewEvent{}
		}
	}
	return g.post(ctx, "/batch", batch)
}

var _ store.Store[uint64] = &Gateway[uint64]{}
