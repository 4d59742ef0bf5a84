package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/checkpoint"
	"github.com/iidesho/eventsource/config"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/stitching"
	"github.com/iidesho/eventsource/store"
	"github.com/iidesho/eventsource/store/eventstore"
	"github.com/iidesho/eventsource/store/inmemory"
	"github.com/iidesho/eventsource/store/ondisk"
	"github.com/iidesho/eventsource/store/sqldb"
	"github.com/iidesho/eventsource/webserver"
	jsoniter "github.com/json-iterator/go"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const usage = `usage: eventstore [serve|archive|export]
  serve    serve the configured store over http, stitched behind archive.dir when it holds archives
  archive  copy new events from the configured store into archive.dir
  export   write every event after the export checkpoint as json lines to stdout`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		fmt.Println(usage)
		return
	}
	cfg, err := config.Load()
	sbragi.WithError(err).Fatal("loading configuration")
	sbragi.WithError(cfg.Setup()).Fatal("setting up logging")
	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cfg.Backend {
	case config.BackendInMemory:
		s, err := inmemory.New(cfg.Name)
		sbragi.WithError(err).Fatal("creating in-memory store")
		err = run[inmemory.Position](ctx, cfg, cmd, s)
		sbragi.WithError(err).Fatal("running", "command", cmd)
	case config.BackendSQLite:
		s, err := sqldb.OpenSQLite(ctx, cfg.Table, cfg.SQLitePath)
		sbragi.WithError(err).Fatal("opening sqlite store", "path", cfg.SQLitePath)
		defer s.Close()
		err = run[sqldb.Position](ctx, cfg, cmd, s)
		sbragi.WithError(err).Fatal("running", "command", cmd)
	case config.BackendMySQL:
		s, err := sqldb.OpenMySQL(ctx, cfg.Table, sqldb.MySQLConfig{
			Host:     cfg.MySQL.Host,
			Port:     cfg.MySQL.Port,
			User:     cfg.MySQL.User,
			Password: cfg.MySQL.Password,
			Database: cfg.MySQL.Database,
		})
		sbragi.WithError(err).Fatal("opening mysql store", "host", cfg.MySQL.Host)
		defer s.Close()
		err = run[sqldb.Position](ctx, cfg, cmd, s)
		sbragi.WithError(err).Fatal("running", "command", cmd)
	case config.BackendEventStore:
		c, err := eventstore.NewClient(cfg.EventStore)
		sbragi.WithError(err).Fatal("connecting to eventstore", "host", cfg.EventStore)
		defer c.Close()
		s, err := eventstore.New(c, cfg.Name)
		sbragi.WithError(err).Fatal("creating eventstore store")
		err = run[eventstore.Position](ctx, cfg, cmd, s)
		sbragi.WithError(err).Fatal("running", "command", cmd)
	}
}

// run puts the archive in front of the live store when there is one.
func run[P comparable](ctx context.Context, cfg config.Config, cmd string, live store.Store[P]) error {
	if cmd == "archive" {
		return archive(ctx, cfg, live)
	}
	if cfg.ArchiveDir != "" {
		cutoff, ok, err := ondisk.LastArchivedPosition(cfg.ArchiveDir, live.PositionCodec())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if ok {
			backfill, err := ondisk.Open(cfg.Name+"-archive", cfg.ArchiveDir)
			if err != nil {
				return err
			}
			log.Info("stitching archive in front of live store", "dir", cfg.ArchiveDir, "cutoff", live.PositionCodec().SerializePosition(cutoff))
			return dispatch[stitching.Position[ondisk.Position, P]](ctx, cfg, cmd, stitching.New[ondisk.Position, P](backfill, live, cutoff))
		}
	}
	return dispatch[P](ctx, cfg, cmd, live)
}

func dispatch[P any](ctx context.Context, cfg config.Config, cmd string, src store.Source[P]) error {
	switch cmd {
	case "serve":
		return serve(ctx, cfg, src)
	case "export":
		return export(ctx, cfg, src)
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func archive[P any](ctx context.Context, cfg config.Config, live store.EventReader[P]) error {
	if cfg.ArchiveDir == "" {
		return errors.New("archive needs archive.dir")
	}
	archiver, err := ondisk.NewArchiver(live, cfg.ArchiveDir, 10000)
	if err != nil {
		return err
	}
	n, err := archiver.ArchiveEvents(ctx)
	if err != nil {
		return err
	}
	log.Info("archive run done", "events", n, "dir", cfg.ArchiveDir)
	return nil
}

func serve[P any](ctx context.Context, cfg config.Config, src store.Source[P]) error {
	serv, err := webserver.Init(cfg.Port, true, src.Monitoring)
	if err != nil {
		return err
	}
	webserver.RegisterEventRoutes(serv.API(), src)
	if cfg.PushURL != "" {
		go pushMetrics(ctx, cfg.PushURL)
	}
	go func() {
		<-ctx.Done()
		log.WithError(serv.Shutdown()).Error("shutting down webserver")
	}()
	log.Info("serving events", "source", src.Name(), "port", cfg.Port, "version", health.Version)
	serv.Run()
	return nil
}

func pushMetrics(ctx context.Context, url string) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.WithError(metrics.Push(url)).Error("pushing metrics", "url", url)
		}
	}
}

// export resumes from its checkpoint, so repeated runs only write what is new.
func export[P any](ctx context.Context, cfg config.Config, src store.Source[P]) error {
	if cfg.CheckpointDir == "" {
		return errors.New("export needs checkpoint.dir")
	}
	codec := src.PositionCodec()
	checkpoints, err := checkpoint.Open(cfg.CheckpointDir, codec)
	if err != nil {
		return err
	}
	defer checkpoints.Close()
	consumer := cfg.Name + "-export"
	from, err := checkpoints.LoadOr(consumer, src.EmptyStorePosition())
	if err != nil {
		return err
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	n := 0
	for e, err := range src.ReadAllForwards(ctx, from) {
		if err != nil {
			return err
		}
		err = enc.Encode(webserver.Event{
			Position: codec.SerializePosition(e.Position),
			Record:   e.Record,
		})
		if err != nil {
			return err
		}
		err = checkpoints.Save(consumer, e.Position)
		if err != nil {
			return err
		}
		n++
	}
	log.Info("exported events", "events", n, "consumer", consumer)
	return nil
}
