package gateway

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/stitching"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/inmemory"
	"github.com/iidesho/eventsource/store/storetest"
	"github.com/iidesho/eventsource/webserver"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

var ctx = context.Background()

// serve exposes src on an in memory listener and returns a client dialing it.
func serve[P any](t *testing.T, src store.Source[P]) *fasthttp.Client {
	serv, err := webserver.Init(0, true, src.Monitoring)
	if err != nil {
		t.Fatal(err)
	}
	webserver.RegisterEventRoutes(serv.API(), src)
	ln := fasthttputil.NewInmemoryListener()
	go serv.Serve(ln)
	t.Cleanup(func() {
		serv.Shutdown()
	})
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
}

func newGateway(t *testing.T, pageSize int) (*Gateway[inmemory.Position], *inmemory.Store) {
	backend, err := inmemory.New("remote")
	if err != nil {
		t.Fatal(err)
	}
	g, err := New[inmemory.Position](
		ctx,
		"http://gateway.test",
		inmemory.Codec,
		WithClient[inmemory.Position](serve[inmemory.Position](t, backend)),
		WithPageSize[inmemory.Position](pageSize),
	)
	if err != nil {
		t.Fatal(err)
	}
	return g, backend
}

func TestGateway(t *testing.T) {
	g, _ := newGateway(t, webserver.DefaultPageSize)
	storetest.Run(t, func(t *testing.T) store.Store[inmemory.Position] {
		return g
	})
}

// Small pages make every read go through several requests.
func TestGatewaySmallPages(t *testing.T) {
	g, _ := newGateway(t, 2)
	storetest.Run(t, func(t *testing.T) store.Store[inmemory.Position] {
		return g
	})
}

func TestGatewayReadsWhatTheRemoteHas(t *testing.T) {
	g, backend := newGateway(t, 3)
	category := storetest.NewCategory()
	for i := 0; i < 10; i++ {
		err := backend.Write(ctx, store.NewStreamID(category, "1"), []store.NewEvent{storetest.NewEvent("e", "x")})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := storetest.SameRecords(
		storetest.Collect(t, backend.ReadAllForwards(ctx, 0)),
		storetest.Collect(t, g.ReadAllForwards(ctx, g.EmptyStorePosition())),
	)
	if err != nil {
		t.Fatal(err)
	}
	events := storetest.Collect(t, g.ReadAllBackwardsFrom(ctx, 8))
	if len(events) != 7 || events[0].Position != 7 {
		t.Fatal("unexpected backwards read", len(events))
	}
}

func TestGatewayMapsErrors(t *testing.T) {
	g, _ := newGateway(t, webserver.DefaultPageSize)
	id := store.NewStreamID(storetest.NewCategory(), "1")
	_, err := g.ReadStreamForwards(ctx, id, store.EmptyStreamEventNumber)
	var notFound *store.StreamNotFoundError
	if !errors.As(err, &notFound) || notFound.StreamID != id {
		t.Fatal("expected stream not found for", id, "got", err)
	}
	err = g.WriteExpected(ctx, id, []store.NewEvent{storetest.NewEvent("e", "x")}, 3)
	var mismatch *store.VersionMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != store.EmptyStreamEventNumber || mismatch.Expected != 3 {
		t.Fatal("expected version mismatch, got", err)
	}
	_, err = g.codec.DeserializePosition("nope")
	if err == nil {
		t.Fatal("expected codec error")
	}
}

func TestReadOnlyRemote(t *testing.T) {
	backfill, err := inmemory.New("backfill")
	if err != nil {
		t.Fatal(err)
	}
	live, err := inmemory.New("live")
	if err != nil {
		t.Fatal(err)
	}
	id := store.NewStreamID(storetest.NewCategory(), "1")
	err = live.Write(ctx, id, []store.NewEvent{storetest.NewEvent("e", "x")})
	if err != nil {
		t.Fatal(err)
	}
	stitched := stitching.New[inmemory.Position, inmemory.Position](backfill, live, 0)
	codec := stitched.PositionCodec()
	type position = stitching.Position[inmemory.Position, inmemory.Position]
	g, err := New[position](
		ctx,
		"http://gateway.test",
		codec,
		WithClient[position](serve[position](t, stitched)),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = g.Write(ctx, id, []store.NewEvent{storetest.NewEvent("e", "y")})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Fatal("expected read only, got", err)
	}
	_, err = g.ReadStreamBackwards(ctx, id)
	if !errors.Is(err, store.ErrReadOnly) {
		t.Fatal("expected read only stream read, got", err)
	}
	events := storetest.Collect(t, g.ReadCategoryForwards(ctx, id.Category, g.EmptyCategoryPosition(id.Category)))
	if len(events) != 1 || events[0].Position.InBackfill(0) {
		t.Fatal("expected one live event through the gateway", events)
	}
}

func TestMonitoring(t *testing.T) {
	backend, err := inmemory.New("remote")
	if err != nil {
		t.Fatal(err)
	}
	serv, err := webserver.Init(0, true, backend.Monitoring)
	if err != nil {
		t.Fatal(err)
	}
	webserver.RegisterEventRoutes(serv.API(), backend)
	ln := fasthttputil.NewInmemoryListener()
	go serv.Serve(ln)
	g, err := New[inmemory.Position](ctx, "http://gateway.test", inmemory.Codec, WithClient[inmemory.Position](&fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	status, value := g.Monitoring()[0].Report(ctx)
	if status != health.StatusOK {
		t.Fatal("unexpected remote health", status, value)
	}
	serv.Shutdown()
	ln.Close()
	status, _ = g.Monitoring()[0].Report(ctx)
	if status != health.StatusCritical {
		t.Fatal("unreachable remote should be critical, got", status)
	}
}

func TestNewNeedsReachableRemote(t *testing.T) {
	_, err := New[inmemory.Position](ctx, "http://127.0.0.1:1", inmemory.Codec)
	if !errors.Is(err, store.ErrConnectivity) {
		t.Fatal("expected connectivity error, got", err)
	}
}

// The empty positions of a stitched remote are not the zero value.
func TestEmptyPositionsComeFromRemote(t *testing.T) {
	backfill, err := inmemory.New("backfill")
	if err != nil {
		t.Fatal(err)
	}
	live, err := inmemory.New("live")
	if err != nil {
		t.Fatal(err)
	}
	stitched := stitching.New[inmemory.Position, inmemory.Position](backfill, live, 7)
	type position = stitching.Position[inmemory.Position, inmemory.Position]
	g, err := New[position](ctx, "http://gateway.test", stitched.PositionCodec(), WithClient[position](serve[position](t, stitched)))
	if err != nil {
		t.Fatal(err)
	}
	if g.EmptyStorePosition() != stitched.EmptyStorePosition() || g.EmptyStorePosition().Live != 7 {
		t.Fatal("unexpected empty store position", g.EmptyStorePosition())
	}
	if p := g.EmptyCategoryPosition("orders"); p != stitched.EmptyCategoryPosition("orders") {
		t.Fatal("unexpected empty category position", p)
	}
}
