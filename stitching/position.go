package stitching

import (
	"fmt"

	"github.com/iidesho/eventsource/store"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Position is the combined progress through backfill and live.
// It is in backfill for as long as Live still equals the cutoff it was created with.
type Position[B, L comparable] struct {
	Backfill B
	Live     L
}

func (p Position[B, L]) InBackfill(cutoff L) bool {
	return p.Live == cutoff
}

func (p Position[B, L]) String() string {
	return fmt.Sprintf("stitched(%v, %v)", p.Backfill, p.Live)
}

type Codec[B, L comparable] struct {
	backfill store.PositionCodec[B]
	live     store.PositionCodec[L]
	cutoff   L
}

func NewCodec[B, L comparable](backfill store.PositionCodec[B], live store.PositionCodec[L], cutoff L) Codec[B, L] {
	return Codec[B, L]{
		backfill: backfill,
		live:     live,
		cutoff:   cutoff,
	}
}

type wirePosition struct {
	Backfill string `json:"backfill"`
	Live     string `json:"live"`
}

func (c Codec[B, L]) SerializePosition(p Position[B, L]) string {
	b, err := json.Marshal(wirePosition{
		Backfill: c.backfill.SerializePosition(p.Backfill),
		Live:     c.live.SerializePosition(p.Live),
	})
	if err != nil {
		// Marshalling two strings does not fail.
		panic(err)
	}
	return string(b)
}

func (c Codec[B, L]) DeserializePosition(serialized string) (p Position[B, L], err error) {
	var w wirePosition
	err = json.UnmarshalFromString(serialized, &w)
	if err != nil {
		return p, fmt.Errorf("invalid stitched position %q: %w", serialized, err)
	}
	p.Backfill, err = c.backfill.DeserializePosition(w.Backfill)
	if err != nil {
		return p, fmt.Errorf("invalid backfill part of stitched position: %w", err)
	}
	p.Live, err = c.live.DeserializePosition(w.Live)
	if err != nil {
		return p, fmt.Errorf("invalid live part of stitched position: %w", err)
	}
	return p, nil
}

// ComparePositions orders every backfill position before every live position.
func (c Codec[B, L]) ComparePositions(a, b Position[B, L]) int {
	aBackfill, bBackfill := a.InBackfill(c.cutoff), b.InBackfill(c.cutoff)
	switch {
	case aBackfill && bBackfill:
		return c.backfill.ComparePositions(a.Backfill, b.Backfill)
	case aBackfill:
		return -1
	case bBackfill:
		return 1
	default:
		return c.live.ComparePositions(a.Live, b.Live)
	}
}
