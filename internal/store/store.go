package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/juju/clock"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/config"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/retry"
	"github.com/loykin/proxyfetch/internal/store/connector"
	"github.com/loykin/proxyfetch/internal/store/postgresql"
	"github.com/loykin/proxyfetch/internal/store/sqlite"
	"github.com/loykin/proxyfetch/internal/util"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Event is a persisted telemetry event.
type Event = connector.Event

// Store persists flushed telemetry events in sqlite or postgres.
type Store struct {
	DB     *sql.DB
	conn   connector.Connector
	tables connector.TableNames
	driver string
	retry  *retry.Config
	clock  clock.Clock
}

// TableNames resolves the events table for a prefix.
func TableNames(prefix string) (connector.TableNames, error) {
	prefix, ok := util.TrimEmptyCheck(prefix)
	if !ok {
		return connector.TableNames{TelemetryEvents: constants.DefaultTelemetryEventsTable}, nil
	}
	name := prefix + constants.TelemetryEventsSuffix
	if !identRe.MatchString(name) {
		return connector.TableNames{}, fmt.Errorf("store: invalid table prefix %q", prefix)
	}
	return connector.TableNames{TelemetryEvents: name}, nil
}

// Open connects to the configured backend and ensures the schema exists.
func Open(cfg config.StoreConfig) (*Store, error) {
	tables, err := TableNames(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}

	var (
		conn   connector.Connector
		values map[string]interface{}
		driver = util.TrimWithDefault(util.TrimAndLower(cfg.Type), DriverSqlite)
	)
	switch driver {
	case DriverSqlite:
		sc := sqlite.Config{Path: cfg.SQLite.Path}
		conn, values = sqlite.NewStore(), sc.ToMap()
	case DriverPostgres, "postgresql":
		driver = DriverPostgres
		pc := postgresql.Config{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		}
		conn, values = postgresql.NewStore(), pc.ToMap()
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Type)
	}

	if err := conn.Load(values); err != nil {
		return nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	db, err := conn.Connect()
	if err != nil {
		return nil, err
	}
	if err := conn.Ensure(tables); err != nil {
		_ = conn.Close()
		return nil, err
	}

	common.GetLogger().WithStore(driver).Info("telemetry store opened", "table", tables.TelemetryEvents)
	return &Store{
		DB:     db,
		conn:   conn,
		tables: tables,
		driver: driver,
		retry:  retry.DefaultRetryConfig(),
		clock:  clock.WallClock,
	}, nil
}

func (s *Store) Driver() string { return s.driver }

// RecordEvent inserts one event; transient backend errors are retried.
func (s *Store) RecordEvent(ctx context.Context, name string, measurements map[string]float64, properties map[string]string) error {
	if measurements == nil {
		measurements = map[string]float64{}
	}
	mj, err := json.Marshal(measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	var pj string
	if len(properties) > 0 {
		b, err := json.Marshal(properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		pj = string(b)
	}
	at := s.clock.Now()
	return retry.WithRetry(ctx, s.retry, func() error {
		return s.conn.InsertEvent(ctx, s.tables, name, at, string(mj), pj)
	})
}

// Events lists stored events, oldest first. An empty name matches all.
func (s *Store) Events(ctx context.Context, name string, limit int) ([]Event, error) {
	return retry.Do(ctx, s.retry, func() ([]Event, error) {
		return s.conn.ListEvents(s.tables, name, limit)
	})
}

// Purge deletes events recorded before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return retry.Do(ctx, s.retry, func() (int64, error) {
		return s.conn.PurgeBefore(s.tables, cutoff)
	})
}

func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
