package store

import (
	"cmp"
	"fmt"
	"strconv"
)

// PositionCodec turns a backend position into a durable string and back.
// Positions from different codecs must never be compared.
type PositionCodec[P any] interface {
	SerializePosition(position P) string
	DeserializePosition(serialized string) (P, error)
	ComparePositions(a, b P) int
}

// UintCodec is the decimal codec shared by the integer indexed backends.
type UintCodec[P ~uint64] struct{}

func (UintCodec[P]) SerializePosition(position P) string {
	return strconv.FormatUint(uint64(position), 10)
}

func (UintCodec[P]) DeserializePosition(serialized string) (P, error) {
	v, err := strconv.ParseUint(serialized, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", serialized, err)
	}
	return P(v), nil
}

func (UintCodec[P]) ComparePositions(a, b P) int {
	return cmp.Compare(a, b)
}
