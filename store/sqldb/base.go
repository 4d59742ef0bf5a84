package sqldb

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/eventsource/health"
	"github.com/iidesho/eventsource/metrics"
	"github.com/iidesho/eventsource/store"
	"github.com/mattn/go-sqlite3"
)

var (
	log            = sbragi.WithLocalScope(sbragi.LevelInfo)
	tableNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// Position is the primary key of an event row, 0 is the empty store.
type Position uint64

var Codec = store.UintCodec[Position]{}

type event = store.ResolvedEvent[Position]

// Dialect holds what differs between the supported databases.
type Dialect struct {
	Name              string
	schema            func(table string) []string
	isUniqueViolation func(error) bool
}

var MySQL = Dialect{
	Name: "mysql",
	schema: func(table string) []string {
		return []string{fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		position BIGINT UNSIGNED PRIMARY KEY,
		stream_category VARCHAR(255) NOT NULL,
		stream_id VARCHAR(255) NOT NULL,
		event_number BIGINT NOT NULL,
		event_type VARCHAR(255) NOT NULL,
		data LONGBLOB,
		metadata LONGBLOB,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY stream_event (stream_category, stream_id, event_number),
		INDEX category_position (stream_category, position)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`, table)}
	},
	isUniqueViolation: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == 1062
	},
}

var SQLite = Dialect{
	Name: "sqlite",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		position INTEGER PRIMARY KEY,
		stream_category TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		event_number INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data BLOB,
		metadata BLOB,
		created_at DATETIME NOT NULL,
		UNIQUE (stream_category, stream_id, event_number)
	)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS `%s_category` ON %s (stream_category, position)", strings.Trim(table, "`"), table),
		}
	},
	isUniqueViolation: func(err error) bool {
		var se sqlite3.Error
		return errors.As(err, &se) &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	},
}

type Store struct {
	name      string
	db        *sql.DB
	dialect   Dialect
	table     string
	batchSize int
	clock     func() time.Time
	counters  *metrics.Counters

	// writeLock serializes the writers of this process, the unique keys catch everyone else.
	writeLock sync.Mutex
}

type OptFunc func(*Store)

func WithClock(clock func() time.Time) OptFunc {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithBatchSize sets how many rows a read fetches per query.
func WithBatchSize(size int) OptFunc {
	return func(s *Store) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// New creates the event table for name if it does not exist. The store owns db from here on.
func New(ctx context.Context, name string, db *sql.DB, dialect Dialect, opts ...OptFunc) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	counters, err := metrics.NewCounters("sql", "sql")
	if err != nil {
		return nil, err
	}
	s := &Store{
		name:      name,
		db:        db,
		dialect:   dialect,
		table:     sanitizeTableName(name),
		batchSize: 1000,
		clock:     time.Now,
		counters:  counters,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Info("opened sql store", "name", name, "dialect", dialect.Name, "table", s.table)
	return s, nil
}

type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

func OpenMySQL(ctx context.Context, name string, conf MySQLConfig, opts ...OptFunc) (*Store, error) {
	c := mysql.NewConfig()
	c.User = conf.User
	c.Passwd = conf.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(conf.Host, conf.Port)
	c.DBName = conf.Database
	c.ParseTime = true
	c.Loc = time.UTC
	db, err := sql.Open("mysql", c.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s, err := New(ctx, name, db, MySQL, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func OpenSQLite(ctx context.Context, name, path string, opts ...OptFunc) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer, one connection avoids busy errors between our own queries.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, name, db, SQLite, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTable(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.table) {
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

func sanitizeTableName(name string) string {
	cleaned := tableNameRegex.ReplaceAllString(name, "_")
	tableName := fmt.Sprintf("events_%s", cleaned)
	if len(tableName) > 64 {
		hash := md5.Sum([]byte(name))
		hashStr := hex.EncodeToString(hash[:])[:16]
		if len(cleaned) > 20 {
			cleaned = cleaned[:20]
		}
		tableName = fmt.Sprintf("events_%s_%s", cleaned, hashStr)
	}
	return fmt.Sprintf("`%s`", strings.ToLower(tableName))
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Monitoring() []health.Component {
	return []health.Component{
		health.NewComponent("sql-"+s.name, "SQL ("+s.dialect.Name+" "+s.table+")", func(ctx context.Context) (health.Status, string) {
			err := s.db.PingContext(ctx)
			if err != nil {
				return health.StatusCritical, err.Error()
			}
			var last Position
			err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM "+s.table).Scan(&last)
			if err != nil {
				return health.StatusWarning, err.Error()
			}
			return health.StatusOK, fmt.Sprintf("connected, last position %d", last)
		}),
	}
}

func (s *Store) EmptyStorePosition() Position {
	return 0
}

func (s *Store) EmptyCategoryPosition(string) Position {
	return 0
}

func (s *Store) PositionCodec() store.PositionCodec[Position] {
	return Codec
}

func (s *Store) connectivity(op string, err error) error {
	return store.NewConnectivityError(s.dialect.Name+" "+s.name, op, err)
}

var _ store.Store[Position] = &Store{}
