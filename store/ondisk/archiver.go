package ondisk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iidesho/eventsource/store"
)

// Archiver copies events from a live source into new archive files.
// Each archive gets a sidecar with the live position of its last event, which
// is where the next run continues and where a stitched reader switches to live.
type Archiver[P any] struct {
	source    store.EventReader[P]
	dir       string
	batchSize int
}

func NewArchiver[P any](source store.EventReader[P], dir string, batchSize int) (*Archiver[P], error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("archive batch size must be positive, got %d", batchSize)
	}
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &Archiver[P]{
		source:    source,
		dir:       dir,
		batchSize: batchSize,
	}, nil
}

// LastArchivedPosition returns the live position the newest archive in dir ends at.
func LastArchivedPosition[P any](dir string, codec store.PositionCodec[P]) (p P, ok bool, err error) {
	archives, err := listArchives(dir)
	if err != nil {
		return p, false, err
	}
	if len(archives) == 0 {
		return p, false, nil
	}
	last := archives[len(archives)-1]
	b, err := os.ReadFile(filepath.Join(dir, archiveName(last.last)+positionSuffix))
	if err != nil {
		return p, false, fmt.Errorf("reading live position of archive %s: %w", last.path, err)
	}
	p, err = codec.DeserializePosition(strings.TrimSpace(string(b)))
	if err != nil {
		return p, false, err
	}
	return p, true, nil
}

// ArchiveEvents archives everything the source has after the newest archive and returns how many events it wrote.
func (a *Archiver[P]) ArchiveEvents(ctx context.Context) (int, error) {
	codec := a.source.PositionCodec()
	livePosition, ok, err := LastArchivedPosition(a.dir, codec)
	if err != nil {
		return 0, err
	}
	if !ok {
		livePosition = a.source.EmptyStorePosition()
	}
	archives, err := listArchives(a.dir)
	if err != nil {
		return 0, err
	}
	next := Position(0)
	if len(archives) > 0 {
		next = archives[len(archives)-1].last
	}
	total := 0
	for {
		batch, err := a.source.ReadAllForwards(ctx, livePosition).Take(a.batchSize).Collect()
		if err != nil {
			return total, fmt.Errorf("reading events to archive: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		records := make([]record, len(batch))
		for i, e := range batch {
			next++
			records[i] = record{
				Position: next,
				Record:   e.Record,
			}
		}
		livePosition = batch[len(batch)-1].Position
		err = a.write(next, records, codec.SerializePosition(livePosition))
		if err != nil {
			return total, err
		}
		total += len(batch)
		log.Info("archived events", "dir", a.dir, "events", len(batch), "archive", archiveName(next), "live_position", codec.SerializePosition(livePosition))
		if len(batch) < a.batchSize {
			break
		}
	}
	return total, nil
}

// write puts the sidecar in place before the archive becomes visible under its final name.
func (a *Archiver[P]) write(last Position, records []record, livePosition string) error {
	name := archiveName(last)
	err := a.writeFile(name+positionSuffix, func(f *os.File) error {
		_, err := f.WriteString(livePosition + "\n")
		return err
	})
	if err != nil {
		return fmt.Errorf("writing live position of archive %s: %w", name, err)
	}
	err = a.writeFile(name+archiveSuffix, func(f *os.File) error {
		return writeRecords(f, records)
	})
	if err != nil {
		return fmt.Errorf("writing archive %s: %w", name, err)
	}
	return nil
}

func (a *Archiver[P]) writeFile(name string, write func(f *os.File) error) error {
	f, err := os.CreateTemp(a.dir, "__archive*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	err = write(f)
	if err != nil {
		f.Close()
		return err
	}
	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(a.dir, name))
}
