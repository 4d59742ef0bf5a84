package ondisk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/itr"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/store"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	archiveSuffix  = ".archive"
	positionSuffix = ".position.txt"
)

// Position is the 1 based index of an event across all archives of a directory.
type Position uint64

var Codec = store.UintCodec[Position]{}

type event = store.ResolvedEvent[Position]

// archive is one immutable file, named by the position of its last event.
type archive struct {
	path string
	last Position
}

func archiveName(last Position) string {
	return fmt.Sprintf("%020d", uint64(last))
}

func listArchives(dir string) ([]archive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var archives []archive
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		last, err := strconv.ParseUint(strings.TrimSuffix(name, archiveSuffix), 10, 64)
		if err != nil {
			log.Warning("ignoring file with archive suffix", "dir", dir, "file", name)
			continue
		}
		archives = append(archives, archive{
			path: filepath.Join(dir, name),
			last: Position(last),
		})
	}
	slices.SortFunc(archives, func(a, b archive) int {
		return Codec.ComparePositions(a.last, b.last)
	})
	return archives, nil
}

// Source is a read only store over an archive directory.
type Source struct {
	name     string
	dir      string
	counters *metrics.Counters
}

func Open(name, dir string) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening archive directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive path %s is not a directory", dir)
	}
	counters, err := metrics.NewCounters("archive", "archive")
	if err != nil {
		return nil, err
	}
	return &Source{
		name:     name,
		dir:      dir,
		counters: counters,
	}, nil
}

func (s *Source) Name() string {
	return s.name
}

func (s *Source) Monitoring() []health.Component {
	return []health.Component{
		health.NewComponent("archive-"+s.name, "Archive ("+s.dir+")", func(ctx context.Context) (health.Status, string) {
			archives, err := listArchives(s.dir)
			if err != nil {
				return health.StatusCritical, err.Error()
			}
			if len(archives) == 0 {
				return health.StatusOK, "no archives"
			}
			return health.StatusOK, fmt.Sprintf("archived up to position %d in %d archives", archives[len(archives)-1].last, len(archives))
		}),
	}
}

func (s *Source) EmptyStorePosition() Position {
	return 0
}

func (s *Source) EmptyCategoryPosition(string) Position {
	return 0
}

func (s *Source) PositionCodec() store.PositionCodec[Position] {
	return Codec
}

func (s *Source) connectivity(op string, err error) error {
	return store.NewConnectivityError("archive "+s.name, op, err)
}

func (s *Source) forwards(ctx context.Context, after Position) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		start := time.Now()
		n := 0
		defer func() {
			s.counters.Read(s.name, n, start)
		}()
		archives, err := listArchives(s.dir)
		if err != nil {
			yield(event{}, s.connectivity("listing archives", err))
			return
		}
		for _, a := range archives {
			if a.last <= after {
				continue
			}
			if ctx.Err() != nil {
				yield(event{}, ctx.Err())
				return
			}
			stopped := false
			err = readRecords(a.path, func(r record) bool {
				if r.Position <= after {
					return true
				}
				n++
				if !yield(store.Resolve(r.Position, r.Record), nil) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
			if err != nil {
				yield(event{}, s.connectivity("reading "+a.path, err))
				return
			}
		}
	}
}

// backwards yields every event before the position, newest first. A zero before reads from the tail.
func (s *Source) backwards(ctx context.Context, before Position) itr.ErrIterator[event] {
	return func(yield func(event, error) bool) {
		archives, err := listArchives(s.dir)
		if err != nil {
			yield(event{}, s.connectivity("listing archives", err))
			return
		}
		for i := len(archives) - 1; i >= 0; i-- {
			if i > 0 && before != 0 && archives[i-1].last+1 >= before {
				continue
			}
			if ctx.Err() != nil {
				yield(event{}, ctx.Err())
				return
			}
			records, err := loadRecords(archives[i].path)
			if err != nil {
				yield(event{}, s.connectivity("reading "+archives[i].path, err))
				return
			}
			for j := len(records) - 1; j >= 0; j-- {
				if before != 0 && records[j].Position >= before {
					continue
				}
				if !yield(store.Resolve(records[j].Position, records[j].Record), nil) {
					return
				}
			}
		}
	}
}

func (s *Source) ReadAllForwards(ctx context.Context, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after)
}

func (s *Source) ReadAllBackwards(ctx context.Context) itr.ErrIterator[event] {
	return s.backwards(ctx, 0)
}

func (s *Source) ReadAllBackwardsFrom(ctx context.Context, before Position) itr.ErrIterator[event] {
	if before == 0 {
		return itr.Empty[event]()
	}
	return s.backwards(ctx, before)
}

func (s *Source) ReadLastEvent(ctx context.Context) (event, bool, error) {
	return s.ReadAllBackwards(ctx).First()
}

func (s *Source) ReadCategoryForwards(ctx context.Context, category string, after Position) itr.ErrIterator[event] {
	return s.forwards(ctx, after).Filter(store.InCategory[Position](category))
}

func (s *Source) ReadCategoriesForwards(
	ctx context.Context,
	categories []string,
	after Position,
) itr.ErrIterator[event] {
	return s.forwards(ctx, after).Filter(store.InCategories[Position](categories))
}

func (s *Source) ReadCategoryBackwards(ctx context.Context, category string) itr.ErrIterator[event] {
	return s.ReadAllBackwards(ctx).Filter(store.InCategory[Position](category))
}

func (s *Source) ReadCategoryBackwardsFrom(
	ctx context.Context,
	category string,
	before Position,
) itr.ErrIterator[event] {
	return s.ReadAllBackwardsFrom(ctx, before).Filter(store.InCategory[Position](category))
}

func (s *Source) ReadLastEventInCategory(ctx context.Context, category string) (event, bool, error) {
	return s.ReadCategoryBackwards(ctx, category).First()
}

var _ store.Source[Position] = &Source{}
