package stitching

import (
	"context"
	"fmt"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Source reads a frozen backfill followed by a live source as one log.
// Reading backfill to the end and then live after the cutoff must produce
// every event exactly once, that is up to whoever made the backfill.
// Source is read only and holds no mutable state.
type Source[B, L comparable] struct {
	backfill store.Source[B]
	live     store.Source[L]
	cutoff   L
	codec    Codec[B, L]
}

func New[B, L comparable](backfill store.Source[B], live store.Source[L], liveCutoffStartPosition L) *Source[B, L] {
	return &Source[B, L]{
		backfill: backfill,
		live:     live,
		cutoff:   liveCutoffStartPosition,
		codec:    NewCodec(backfill.PositionCodec(), live.PositionCodec(), liveCutoffStartPosition),
	}
}

// view is one filtered perspective (all or a category) of both sides.
type view[B, L comparable] struct {
	backfillEmpty         B
	backfillForwards      func(after B) itr.ErrIterator[store.ResolvedEvent[B]]
	backfillBackwards     func() itr.ErrIterator[store.ResolvedEvent[B]]
	backfillBackwardsFrom func(before B) itr.ErrIterator[store.ResolvedEvent[B]]
	backfillLast          func() (store.ResolvedEvent[B], bool, error)
	liveForwards          func(after L) itr.ErrIterator[store.ResolvedEvent[L]]
	liveBackwards         func() itr.ErrIterator[store.ResolvedEvent[L]]
	liveBackwardsFrom     func(before L) itr.ErrIterator[store.ResolvedEvent[L]]
	liveLast              func() (store.ResolvedEvent[L], bool, error)
}

func (s *Source[B, L]) all(ctx context.Context) view[B, L] {
	return view[B, L]{
		backfillEmpty: s.backfill.EmptyStorePosition(),
		backfillForwards: func(after B) itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadAllForwards(ctx, after)
		},
		backfillBackwards: func() itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadAllBackwards(ctx)
		},
		backfillBackwardsFrom: func(before B) itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadAllBackwardsFrom(ctx, before)
		},
		backfillLast: func() (store.ResolvedEvent[B], bool, error) {
			return s.backfill.ReadLastEvent(ctx)
		},
		liveForwards: func(after L) itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadAllForwards(ctx, after)
		},
		liveBackwards: func() itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadAllBackwards(ctx)
		},
		liveBackwardsFrom: func(before L) itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadAllBackwardsFrom(ctx, before)
		},
		liveLast: func() (store.ResolvedEvent[L], bool, error) {
			return s.live.ReadLastEvent(ctx)
		},
	}
}

func (s *Source[B, L]) category(ctx context.Context, category string) view[B, L] {
	return view[B, L]{
		backfillEmpty: s.backfill.EmptyCategoryPosition(category),
		backfillForwards: func(after B) itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadCategoryForwards(ctx, category, after)
		},
		backfillBackwards: func() itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadCategoryBackwards(ctx, category)
		},
		backfillBackwardsFrom: func(before B) itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadCategoryBackwardsFrom(ctx, category, before)
		},
		backfillLast: func() (store.ResolvedEvent[B], bool, error) {
			return s.backfill.ReadLastEventInCategory(ctx, category)
		},
		liveForwards: func(after L) itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadCategoryForwards(ctx, category, after)
		},
		liveBackwards: func() itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadCategoryBackwards(ctx, category)
		},
		liveBackwardsFrom: func(before L) itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadCategoryBackwardsFrom(ctx, category, before)
		},
		liveLast: func() (store.ResolvedEvent[L], bool, error) {
			return s.live.ReadLastEventInCategory(ctx, category)
		},
	}
}

// forwards reads backfill from the position and only opens live once backfill is exhausted.
// Every event is stamped with the combined position at that event.
func (s *Source[B, L]) forwards(
	after Position[B, L],
	backfill func(after B) itr.ErrIterator[store.ResolvedEvent[B]],
	live func(after L) itr.ErrIterator[store.ResolvedEvent[L]],
) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return func(yield func(store.ResolvedEvent[Position[B, L]], error) bool) {
		current := after
		var phases []itr.ErrIterator[store.ResolvedEvent[Position[B, L]]]
		if current.InBackfill(s.cutoff) {
			phases = append(phases, itr.Map(
				backfill(current.Backfill).WrapErr(s.wrap("backfill", s.backfill.Name())),
				func(e store.ResolvedEvent[B]) store.ResolvedEvent[Position[B, L]] {
					current.Backfill = e.Position
					return store.Resolve(current, e.Record)
				},
			))
		}
		phases = append(phases, itr.Lazy(func() itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
			log.Trace("reading live", "source", s.Name(), "position", current)
			return itr.Map(
				live(current.Live).WrapErr(s.wrap("live", s.live.Name())),
				func(e store.ResolvedEvent[L]) store.ResolvedEvent[Position[B, L]] {
					current.Live = e.Position
					return store.Resolve(current, e.Record)
				},
			)
		}))
		itr.Concat(phases...)(yield)
	}
}

func (s *Source[B, L]) wrap(side, name string) func(error) error {
	return func(err error) error {
		return fmt.Errorf("reading %s %s: %w", side, name, err)
	}
}

// backfillEnd is the backfill part live events are stamped with when read backwards.
func (v view[B, L]) backfillEnd() (B, error) {
	e, ok, err := v.backfillLast()
	if err != nil || !ok {
		return v.backfillEmpty, err
	}
	return e.Position, nil
}

// backwards reads live down to the cutoff and continues in backfill.
// A nil before reads from the tail.
func (s *Source[B, L]) backwards(v view[B, L], before *Position[B, L]) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return func(yield func(store.ResolvedEvent[Position[B, L]], error) bool) {
		var backfill itr.ErrIterator[store.ResolvedEvent[B]]
		if before != nil && before.InBackfill(s.cutoff) {
			backfill = v.backfillBackwardsFrom(before.Backfill)
		} else {
			var live itr.ErrIterator[store.ResolvedEvent[L]]
			var end B
			endKnown := false
			if before != nil {
				live = v.liveBackwardsFrom(before.Live)
				end = before.Backfill
				endKnown = true
			} else {
				live = v.liveBackwards()
			}
			afterCutoff := func(e store.ResolvedEvent[L]) bool {
				return s.live.PositionCodec().ComparePositions(e.Position, s.cutoff) > 0
			}
			for e, err := range live.TakeWhile(afterCutoff) {
				if err != nil {
					yield(store.ResolvedEvent[Position[B, L]]{}, fmt.Errorf("reading live %s: %w", s.live.Name(), err))
					return
				}
				if !endKnown {
					end, err = v.backfillEnd()
					if err != nil {
						yield(store.ResolvedEvent[Position[B, L]]{}, fmt.Errorf("reading backfill %s: %w", s.backfill.Name(), err))
						return
					}
					endKnown = true
				}
				if !yield(store.Resolve(Position[B, L]{Backfill: end, Live: e.Position}, e.Record), nil) {
					return
				}
			}
			backfill = v.backfillBackwards()
		}
		for e, err := range backfill {
			if err != nil {
				yield(store.ResolvedEvent[Position[B, L]]{}, fmt.Errorf("reading backfill %s: %w", s.backfill.Name(), err))
				return
			}
			if !yield(store.Resolve(Position[B, L]{Backfill: e.Position, Live: s.cutoff}, e.Record), nil) {
				return
			}
		}
	}
}

func (s *Source[B, L]) last(v view[B, L]) (store.ResolvedEvent[Position[B, L]], bool, error) {
	e, ok, err := v.liveLast()
	if err != nil {
		return store.ResolvedEvent[Position[B, L]]{}, false, fmt.Errorf("reading live %s: %w", s.live.Name(), err)
	}
	if ok && s.live.PositionCodec().ComparePositions(e.Position, s.cutoff) > 0 {
		end, err := v.backfillEnd()
		if err != nil {
			return store.ResolvedEvent[Position[B, L]]{}, false, fmt.Errorf("reading backfill %s: %w", s.backfill.Name(), err)
		}
		return store.Resolve(Position[B, L]{Backfill: end, Live: e.Position}, e.Record), true, nil
	}
	b, ok, err := v.backfillLast()
	if err != nil {
		return store.ResolvedEvent[Position[B, L]]{}, false, fmt.Errorf("reading backfill %s: %w", s.backfill.Name(), err)
	}
	if !ok {
		return store.ResolvedEvent[Position[B, L]]{}, false, nil
	}
	return store.Resolve(Position[B, L]{Backfill: b.Position, Live: s.cutoff}, b.Record), true, nil
}

func (s *Source[B, L]) ReadAllForwards(ctx context.Context, after Position[B, L]) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	v := s.all(ctx)
	return s.forwards(after, v.backfillForwards, v.liveForwards)
}

func (s *Source[B, L]) ReadAllBackwards(ctx context.Context) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return s.backwards(s.all(ctx), nil)
}

func (s *Source[B, L]) ReadAllBackwardsFrom(ctx context.Context, before Position[B, L]) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return s.backwards(s.all(ctx), &before)
}

func (s *Source[B, L]) ReadLastEvent(ctx context.Context) (store.ResolvedEvent[Position[B, L]], bool, error) {
	return s.last(s.all(ctx))
}

func (s *Source[B, L]) ReadCategoryForwards(
	ctx context.Context,
	category string,
	after Position[B, L],
) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	v := s.category(ctx, category)
	return s.forwards(after, v.backfillForwards, v.liveForwards)
}

func (s *Source[B, L]) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after Position[B, L],
) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return s.forwards(
		after,
		func(after B) itr.ErrIterator[store.ResolvedEvent[B]] {
			return s.backfill.ReadCategoriesForwards(ctx, categories, after)
		},
		func(after L) itr.ErrIterator[store.ResolvedEvent[L]] {
			return s.live.ReadCategoriesForwards(ctx, categories, after)
		},
	)
}

func (s *Source[B, L]) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return s.backwards(s.category(ctx, category), nil)
}

func (s *Source[B, L]) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before Position[B, L],
) itr.ErrIterator[store.ResolvedEvent[Position[B, L]]] {
	return s.backwards(s.category(ctx, category), &before)
}

func (s *Source[B, L]) ReadLastEventInCategory(ctx context.Context, category string) (store.ResolvedEvent[Position[B, L]], bool, error) {
	return s.last(s.category(ctx, category))
}

func (s *Source[B, L]) EmptyStorePosition() Position[B, L] {
	return Position[B, L]{
		Backfill: s.backfill.EmptyStorePosition(),
		Live:     s.cutoff,
	}
}

func (s *Source[B, L]) EmptyCategoryPosition(category string) Position[B, L] {
	return Position[B, L]{
		Backfill: s.backfill.EmptyCategoryPosition(category),
		Live:     s.cutoff,
	}
}

func (s *Source[B, L]) PositionCodec() store.PositionCodec[Position[B, L]] {
	return s.codec
}

func (s *Source[B, L]) Name() string {
	return fmt.Sprintf("stitched(%s, %s)", s.backfill.Name(), s.live.Name())
}

// Monitoring lists the backfill components before the live ones.
func (s *Source[B, L]) Monitoring() []health.Component {
	var components []health.Component
	components = append(components, s.backfill.Monitoring()...)
	return append(components, s.live.Monitoring()...)
}
