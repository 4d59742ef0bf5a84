package eventstore

import (
	"context"
	"os"
	"testing"

	"github.com/EventStore/EventStore-Client-Go/esdb"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/storetest"
)

func TestCodec(t *testing.T) {
	p := Position{Commit: 1024, Prepare: 1000}
	s := Codec.SerializePosition(p)
	if s != "1024/1000" {
		t.Fatal("unexpected serialized position", s)
	}
	back, err := Codec.DeserializePosition(s)
	if err != nil || back != p {
		t.Fatal("position did not survive", back, err)
	}
	for _, bad := range []string{"", "1024", "a/1", "1/b", "-1/1"} {
		if _, err := Codec.DeserializePosition(bad); err == nil {
			t.Error("expected error for", bad)
		}
	}
	if Codec.ComparePositions(Position{1, 9}, Position{2, 0}) >= 0 {
		t.Error("commit should decide first")
	}
	if Codec.ComparePositions(Position{2, 1}, Position{2, 2}) >= 0 {
		t.Error("prepare should break ties")
	}
	if Codec.ComparePositions(p, p) != 0 {
		t.Error("equal positions should compare equal")
	}
}

func TestExpectedRevision(t *testing.T) {
	if _, ok := expectedRevision(store.ExpectedVersion{}).(esdb.Any); !ok {
		t.Error("implicit version should accept any revision")
	}
	if _, ok := expectedRevision(store.ExactVersion(store.EmptyStreamEventNumber)).(esdb.NoStream); !ok {
		t.Error("empty version should expect no stream")
	}
	r, ok := expectedRevision(store.ExactVersion(4)).(esdb.StreamRevision)
	if !ok || r.Value != 4 {
		t.Error("exact version should expect revision 4, got", r)
	}
}

func TestEventStore(t *testing.T) {
	host := os.Getenv("eventstore.host")
	if host == "" {
		t.Skip("eventstore.host not set")
	}
	c, err := NewClient(host)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	s, err := New(c, "test")
	if err != nil {
		t.Fatal(err)
	}
	storetest.Run(t, func(t *testing.T) store.Store[Position] {
		return s
	})
	status, value := s.Monitoring()[0].Report(context.Background())
	if value != "connected" {
		t.Fatal("unexpected report", status, value)
	}
}

func TestStreamName(t *testing.T) {
	for _, tc := range []struct {
		id   store.StreamID
		name string
	}{
		{store.NewStreamID("orders", "1"), "orders-1"},
		{store.NewStreamID("orders", "a-b"), "orders-a-b"},
		{store.NewStreamID("orders-eu", "1"), "orders%2Deu-1"},
		{store.NewStreamID("100%-2D", "x"), "100%25%2D2D-x"},
	} {
		name := streamName(tc.id)
		if name != tc.name {
			t.Fatal("unexpected stream name for", tc.id, name)
		}
		id, err := parseStreamName(name)
		if err != nil || id != tc.id {
			t.Fatal("stream name did not parse back", name, id, err)
		}
	}
	if streamName(store.NewStreamID("orders-eu", "1")) == streamName(store.NewStreamID("orders", "eu-1")) {
		t.Fatal("different streams share a name")
	}
}
