package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/store/connector"
)

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

// NewStore creates a new SQLite store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the SQLite store
func (s *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		s.DSN = dsn
		return nil
	}
	if path, ok := config["path"].(string); ok && path != "" {
		s.DSN = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&%s", path, busyTimeoutMS, journalParam)
	}
	return nil
}

// Connect establishes a connection to SQLite using the dialect
func (s *Store) Connect() (*sql.DB, error) {
	if s.DSN == "" {
		s.DSN = ":memory:"
	}
	db, err := s.dialect.Connect(s.DSN)
	if err != nil {
		return nil, err
	}
	s.db = db

	common.GetLogger().WithStore("sqlite").Debug("SQLite database connection established")
	return db, nil
}

func (s *Store) Validate() error {
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure creates the telemetry tables
func (s *Store) Ensure(th connector.TableNames) error {
	logger := common.GetLogger().WithStore("sqlite")
	for i, q := range s.dialect.GetEnsureStatements(th.TelemetryEvents) {
		if _, err := s.db.Exec(q); err != nil {
			logger.Error("failed to create schema", "error", err, "statement", i+1)
			return fmt.Errorf("failed to create schema statement %d: %w", i+1, err)
		}
	}
	logger.Debug("SQLite schema ensured", "table", th.TelemetryEvents)
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, th connector.TableNames, name string, at time.Time, measurementsJSON, propertiesJSON string) error {
	ph := s.dialect.GetPlaceholder()
	q := fmt.Sprintf("INSERT INTO %s(name, measurements_json, properties_json, recorded_at) VALUES(%s, %s, %s, %s)",
		th.TelemetryEvents, ph, ph, ph, ph)
	var props interface{}
	if propertiesJSON != "" {
		props = propertiesJSON
	}
	if _, err := s.db.ExecContext(ctx, q, name, measurementsJSON, props, s.dialect.ConvertTimeToStorage(at)); err != nil {
		return fmt.Errorf("failed to insert telemetry event %s: %w", name, err)
	}
	return nil
}

func (s *Store) ListEvents(th connector.TableNames, name string, limit int) ([]connector.Event, error) {
	q := fmt.Sprintf("SELECT id, name, measurements_json, properties_json, recorded_at FROM %s", th.TelemetryEvents)
	var args []interface{}
	if name != "" {
		q += " WHERE name = " + s.dialect.GetPlaceholder()
		args = append(args, name)
	}
	q += " ORDER BY id ASC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []connector.Event
	for rows.Next() {
		var (
			e        connector.Event
			measures string
			props    sql.NullString
			at       interface{}
		)
		if err := rows.Scan(&e.ID, &e.Name, &measures, &props, &at); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(measures), &e.Measurements); err != nil {
			return nil, fmt.Errorf("decode measurements of event %d: %w", e.ID, err)
		}
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
				return nil, fmt.Errorf("decode properties of event %d: %w", e.ID, err)
			}
		}
		e.RecordedAt = s.dialect.ConvertTimeFromStorage(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeBefore(th connector.TableNames, cutoff time.Time) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE recorded_at < %s", th.TelemetryEvents, s.dialect.GetPlaceholder())
	res, err := s.db.Exec(q, s.dialect.ConvertTimeToStorage(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge telemetry events: %w", err)
	}
	return res.RowsAffected()
}
