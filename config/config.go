package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/iidesho/bragi"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/joho/godotenv"
)

const (
	BackendInMemory   = "inmemory"
	BackendMySQL      = "mysql"
	BackendSQLite     = "sqlite"
	BackendEventStore = "eventstore"
)

type Config struct {
	Name          string
	Port          uint16
	LogDir        string
	DebugPort     string
	Backend       string
	MySQL         MySQL
	Table         string
	SQLitePath    string
	EventStore    string
	ArchiveDir    string
	CheckpointDir string
	PushURL       string
}

type MySQL struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// LoadEnv reads local_override.properties, or .env when there is no override, into the environment.
func LoadEnv() {
	err := godotenv.Load("local_override.properties")
	if err != nil {
		sbragi.WithoutEscalation().WithError(err).
			Debug("Error loading local_override.properties file", "file", "local_override.properties")
		err = godotenv.Load(".env")
		if err != nil {
			sbragi.WithoutEscalation().
				WithError(err).
				Debug("Error loading .env file", "file", ".env")
		}
	}
}

// Load reads the configuration from the environment after LoadEnv.
func Load() (c Config, err error) {
	LoadEnv()
	c = Config{
		Name:      getOr("name", "eventsource"),
		LogDir:    os.Getenv("log.dir"),
		DebugPort: os.Getenv("debug.port"),
		Backend:   getOr("store.backend", BackendInMemory),
		MySQL: MySQL{
			Host:     os.Getenv("mysql.host"),
			Port:     getOr("mysql.port", "3306"),
			User:     os.Getenv("mysql.user"),
			Password: os.Getenv("mysql.password"),
			Database: getOr("mysql.database", "eventstore"),
		},
		Table:         getOr("sql.table", "events"),
		SQLitePath:    getOr("sqlite.path", "events.db"),
		EventStore:    getOr("eventstore.host", "localhost"),
		ArchiveDir:    os.Getenv("archive.dir"),
		CheckpointDir: os.Getenv("checkpoint.dir"),
		PushURL:       os.Getenv("metrics.push_url"),
	}
	port, err := strconv.ParseUint(getOr("webserver.port", "8080"), 10, 16)
	if err != nil {
		return c, fmt.Errorf("invalid webserver.port: %w", err)
	}
	c.Port = uint16(port)
	switch c.Backend {
	case BackendInMemory, BackendMySQL, BackendSQLite, BackendEventStore:
	default:
		return c, fmt.Errorf("unknown store.backend %q", c.Backend)
	}
	if c.Backend == BackendMySQL && c.MySQL.Host == "" {
		return c, fmt.Errorf("store.backend %s needs mysql.host", BackendMySQL)
	}
	return c, nil
}

// Setup points logging at LogDir and starts the debug server when configured.
func (c Config) Setup() error {
	health.Name = c.Name
	if c.LogDir != "" {
		bragi.SetPrefix(health.Name)
		handler, err := sbragi.NewHandlerInFolder(c.LogDir)
		if err != nil {
			return fmt.Errorf("unable to set logdir %s: %w", c.LogDir, err)
		}
		handler.MakeDefault()
		logger, err := sbragi.NewLogger(&handler)
		if err != nil {
			return fmt.Errorf("unable to create logger: %w", err)
		}
		logger.SetDefault()
	}
	if c.DebugPort != "" {
		go func() {
			sbragi.WithError(http.ListenAndServe(":"+c.DebugPort, nil)).
				Info("while running debug server", "port", c.DebugPort)
		}()
	}
	return nil
}

func getOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
