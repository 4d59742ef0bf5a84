package stitching

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
	jsoniter "github.com/json-iterator/go"
)

const EffectiveTimestamp = "effective_timestamp"

// Backdating moves the effective_timestamp metadata of every event effective
// before the live cutover to a single destination instant.
type Backdating[P any] struct {
	store.EventReader[P]
	cutover     time.Time
	destination time.Time
}

// NewBackdating backdates to the unix epoch.
func NewBackdating[P any](reader store.EventReader[P], liveCutoverInclusive time.Time) Backdating[P] {
	return NewBackdatingTo(reader, liveCutoverInclusive, time.Unix(0, 0).UTC())
}

func NewBackdatingTo[P any](reader store.EventReader[P], liveCutoverInclusive, destination time.Time) Backdating[P] {
	return Backdating[P]{
		EventReader: reader,
		cutover:     liveCutoverInclusive,
		destination: destination,
	}
}

func (b Backdating[P]) ReadAllForwards(ctx context.Context, after P) itr.ErrIterator[store.ResolvedEvent[P]] {
	return b.backdate(b.EventReader.ReadAllForwards(ctx, after))
}

func (b Backdating[P]) ReadAllBackwards(ctx context.Context) itr.ErrIterator[store.ResolvedEvent[P]] {
	return b.backdate(b.EventReader.ReadAllBackwards(ctx))
}

func (b Backdating[P]) ReadAllBackwardsFrom(ctx context.Context, before P) itr.ErrIterator[store.ResolvedEvent[P]] {
	return b.backdate(b.EventReader.ReadAllBackwardsFrom(ctx, before))
}

func (b Backdating[P]) ReadLastEvent(ctx context.Context) (store.ResolvedEvent[P], bool, error) {
	e, ok, err := b.EventReader.ReadLastEvent(ctx)
	if err != nil || !ok {
		return e, ok, err
	}
	e, err = b.possiblyBackdate(e)
	if err != nil {
		return e, false, err
	}
	return e, true, nil
}

func (b Backdating[P]) backdate(seq itr.ErrIterator[store.ResolvedEvent[P]]) itr.ErrIterator[store.ResolvedEvent[P]] {
	return func(yield func(store.ResolvedEvent[P], error) bool) {
		for e, err := range seq {
			if err == nil {
				e, err = b.possiblyBackdate(e)
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

func (b Backdating[P]) possiblyBackdate(e store.ResolvedEvent[P]) (store.ResolvedEvent[P], error) {
	metadata, err := readFields(e.Record.Metadata)
	if err != nil {
		return e, fmt.Errorf("no %s in metadata of %s/%d: %w", EffectiveTimestamp, e.Record.StreamID, e.Record.EventNumber, err)
	}
	at := slices.IndexFunc(metadata, func(f field) bool {
		return f.key == EffectiveTimestamp
	})
	var raw string
	if at < 0 || json.Unmarshal(metadata[at].value, &raw) != nil {
		return e, fmt.Errorf("no %s in metadata of %s/%d", EffectiveTimestamp, e.Record.StreamID, e.Record.EventNumber)
	}
	effective, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return e, fmt.Errorf("invalid %s in metadata of %s/%d: %w", EffectiveTimestamp, e.Record.StreamID, e.Record.EventNumber, err)
	}
	if !effective.Before(b.cutover) {
		return e, nil
	}
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)
	stream.WriteObjectStart()
	for i, f := range metadata {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.key)
		if i == at {
			stream.WriteString(b.destination.Format(time.RFC3339Nano))
			continue
		}
		stream.Write(f.value)
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return e, stream.Error
	}
	e.Record.Metadata = append([]byte(nil), stream.Buffer()...)
	return e, nil
}

// field is one member of a metadata object, the value kept as written.
type field struct {
	key   string
	value jsoniter.RawMessage
}

// readFields keeps the order and the raw values of a json object, so only the
// rewritten timestamp differs from what was stored.
func readFields(data []byte) ([]field, error) {
	it := jsoniter.ParseBytes(json, data)
	var fields []field
	it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		fields = append(fields, field{
			key:   key,
			value: append(jsoniter.RawMessage(nil), it.SkipAndReturnBytes()...),
		})
		return true
	})
	if it.Error != nil {
		return nil, it.Error
	}
	return fields, nil
}
