package ondisk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/stitching"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/inmemory"
	"github.com/iidesho/eventsource/store/storetest"
)

var ctx = context.Background()

func writeEvents(t *testing.T, s *inmemory.Store, categories []string, from, to int) {
	for i := from; i < to; i++ {
		id := store.NewStreamID(categories[i%len(categories)], fmt.Sprint(i%4))
		err := s.Write(ctx, id, []store.NewEvent{storetest.NewEvent("e", fmt.Sprint(i))})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func newArchive(t *testing.T, events int) (*inmemory.Store, *Archiver[inmemory.Position], *Source, []string) {
	live, err := inmemory.New("live")
	if err != nil {
		t.Fatal(err)
	}
	categories := []string{storetest.NewCategory(), storetest.NewCategory(), storetest.NewCategory()}
	writeEvents(t, live, categories, 0, events)
	dir := t.TempDir()
	archiver, err := NewArchiver[inmemory.Position](live, dir, 10)
	if err != nil {
		t.Fatal(err)
	}
	source, err := Open("test", dir)
	if err != nil {
		t.Fatal(err)
	}
	return live, archiver, source, categories
}

func TestArchiveMatchesLive(t *testing.T) {
	live, archiver, source, _ := newArchive(t, 25)
	n, err := archiver.ArchiveEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Fatal("expected 25 archived events, got", n)
	}
	archives, err := listArchives(source.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 3 || archives[0].last != 10 || archives[2].last != 25 {
		t.Fatal("unexpected archives", archives)
	}
	archived := storetest.Collect(t, source.ReadAllForwards(ctx, 0))
	err = storetest.SameRecords(storetest.Collect(t, live.ReadAllForwards(ctx, 0)), archived)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range archived {
		if e.Position != Position(i+1) {
			t.Fatal("expected position", i+1, "got", e.Position)
		}
		if !e.Record.Timestamp.Equal(storetest.Collect(t, live.ReadAllForwards(ctx, inmemory.Position(i)))[0].Record.Timestamp) {
			t.Fatal("timestamp changed in archive at", i)
		}
	}
}

func TestArchiveIsIncremental(t *testing.T) {
	live, archiver, source, categories := newArchive(t, 12)
	if _, err := archiver.ArchiveEvents(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := archiver.ArchiveEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("nothing new should be archived, got", n)
	}
	writeEvents(t, live, categories, 12, 17)
	n, err = archiver.ArchiveEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatal("expected 5 new events, got", n)
	}
	err = storetest.SameRecords(
		storetest.Collect(t, live.ReadAllForwards(ctx, 0)),
		storetest.Collect(t, source.ReadAllForwards(ctx, 0)),
	)
	if err != nil {
		t.Fatal(err)
	}
	cutoff, ok, err := LastArchivedPosition[inmemory.Position](source.dir, inmemory.Codec)
	if err != nil || !ok {
		t.Fatal("missing archived position", err)
	}
	if cutoff != 17 {
		t.Fatal("expected live cutoff 17, got", cutoff)
	}
}

func TestReadsInAllDirections(t *testing.T) {
	_, archiver, source, categories := newArchive(t, 25)
	if _, err := archiver.ArchiveEvents(ctx); err != nil {
		t.Fatal(err)
	}
	forwards := storetest.Collect(t, source.ReadAllForwards(ctx, 0))
	backwards := storetest.Collect(t, source.ReadAllBackwards(ctx))
	for i := range forwards {
		if forwards[i].Position != backwards[len(backwards)-1-i].Position {
			t.Fatal("backwards is not the reverse of forwards at", i)
		}
	}
	for _, before := range []Position{1, 10, 11, 12, 21, 25, 26} {
		events := storetest.Collect(t, source.ReadAllBackwardsFrom(ctx, before))
		if len(events) != int(before)-1 {
			t.Fatal("expected", before-1, "events before", before, "got", len(events))
		}
		if len(events) > 0 && events[0].Position != before-1 {
			t.Fatal("first event before", before, "was", events[0].Position)
		}
	}
	rest := storetest.Collect(t, source.ReadAllForwards(ctx, 14))
	if len(rest) != 11 || rest[0].Position != 15 {
		t.Fatal("resuming from 14 gave", len(rest))
	}
	last, ok, err := source.ReadLastEvent(ctx)
	if err != nil || !ok || last.Position != 25 {
		t.Fatal("wrong last event", last.Position, ok, err)
	}
	for _, category := range categories {
		events := storetest.Collect(t, source.ReadCategoryForwards(ctx, category, 0))
		for _, e := range events {
			if e.Record.StreamID.Category != category {
				t.Fatal("category read leaked", e.Record.StreamID)
			}
		}
		last, ok, err := source.ReadLastEventInCategory(ctx, category)
		if err != nil || !ok || last.Position != events[len(events)-1].Position {
			t.Fatal("wrong last event in category", category, err)
		}
		back := storetest.Collect(t, source.ReadCategoryBackwardsFrom(ctx, category, events[2].Position))
		if len(back) != 2 {
			t.Fatal("expected 2 category events before the third, got", len(back))
		}
	}
	multi := storetest.Collect(t, source.ReadCategoriesForwards(ctx, categories[:2], 0))
	if len(multi) != len(storetest.InCategories(forwards, categories[:2]...)) {
		t.Fatal("multi category read size", len(multi))
	}
}

func TestStitchArchiveInFrontOfLive(t *testing.T) {
	live, archiver, source, categories := newArchive(t, 23)
	if _, err := archiver.ArchiveEvents(ctx); err != nil {
		t.Fatal(err)
	}
	writeEvents(t, live, categories, 23, 31)
	cutoff, ok, err := LastArchivedPosition(source.dir, live.PositionCodec())
	if err != nil || !ok {
		t.Fatal("missing archived position", err)
	}
	stitched := stitching.New[Position, inmemory.Position](source, live, cutoff)
	events := storetest.Collect(t, stitched.ReadAllForwards(ctx, stitched.EmptyStorePosition()))
	err = storetest.SameRecords(storetest.Collect(t, live.ReadAllForwards(ctx, 0)), events)
	if err != nil {
		t.Fatal(err)
	}
	for _, category := range categories {
		err = storetest.SameRecords(
			storetest.Collect(t, live.ReadCategoryForwards(ctx, category, 0)),
			storetest.Collect(t, stitched.ReadCategoryForwards(ctx, category, stitched.EmptyCategoryPosition(category))),
		)
		if err != nil {
			t.Fatal(category, err)
		}
	}
	if len(stitched.Monitoring()) != 1 {
		t.Fatal("expected the archive component only")
	}
}

func TestMonitoring(t *testing.T) {
	_, archiver, source, _ := newArchive(t, 3)
	status, value := source.Monitoring()[0].Report(ctx)
	if status != health.StatusOK || value != "no archives" {
		t.Fatal("unexpected empty report", status, value)
	}
	if _, err := archiver.ArchiveEvents(ctx); err != nil {
		t.Fatal(err)
	}
	status, value = source.Monitoring()[0].Report(ctx)
	if status != health.StatusOK || value != "archived up to position 3 in 1 archives" {
		t.Fatal("unexpected report", status, value)
	}
	err := os.RemoveAll(source.dir)
	if err != nil {
		t.Fatal(err)
	}
	status, _ = source.Monitoring()[0].Report(ctx)
	if status != health.StatusCritical {
		t.Fatal("missing directory should be critical, got", status)
	}
}

func TestCorruptArchive(t *testing.T) {
	_, archiver, source, _ := newArchive(t, 3)
	if _, err := archiver.ArchiveEvents(ctx); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(source.dir, archiveName(3)+archiveSuffix)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(path, b[:len(b)-3], 0640)
	if err != nil {
		t.Fatal(err)
	}
	_, err = source.ReadAllForwards(ctx, 0).Collect()
	if err == nil {
		t.Fatal("expected error for truncated archive")
	}
}
