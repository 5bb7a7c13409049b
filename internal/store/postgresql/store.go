package postgresql

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

// NewStore creates a new PostgreSQL store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the PostgreSQL store
func (p *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		p.DSN = dsn
	}
	return nil
}

func (p *Store) Connect() (*sql.DB, error) {
	db, err := p.dialect.Connect(p.DSN)
	if err != nil {
		return nil, err
	}
	p.db = db

	common.GetLogger().WithStore("postgresql").Debug("PostgreSQL database connection established")
	return db, nil
}

func (p *Store) Validate() error {
	if p.DSN == "" {
		return fmt.Errorf("postgresql: dsn or host is required")
	}
	return nil
}

func (p *Store) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *Store) Ensure(th connector.TableNames) error {
	logger := common.GetLogger().WithStore("postgresql")
	for i, q := range p.dialect.GetEnsureStatements(th.TelemetryEvents) {
		if _, err := p.db.Exec(q); err != nil {
			logger.Error("failed to create schema", "error", err, "statement", i+1)
			return fmt.Errorf("failed to create schema statement %d: %w", i+1, err)
		}
	}
	logger.Debug("PostgreSQL schema ensured", "table", th.TelemetryEvents)
	return nil
}

func (p *Store) InsertEvent(ctx context.Context, th connector.TableNames, name string, at time.Time, measurementsJSON, propertiesJSON string) error {
	q := fmt.Sprintf("INSERT INTO %s(name, measurements_json, properties_json, recorded_at) VALUES(%s, %s, %s, %s)",
		th.TelemetryEvents, p.dialect.GetPlaceholder(1), p.dialect.GetPlaceholder(2), p.dialect.GetPlaceholder(3), p.dialect.GetPlaceholder(4))
	var props interface{}
	if propertiesJSON != "" {
		props = propertiesJSON
	}
	if _, err := p.db.ExecContext(ctx, q, name, measurementsJSON, props, p.dialect.ConvertTimeToStorage(at)); err != nil {
		return fmt.Errorf("failed to insert telemetry event %s: %w", name, err)
	}
	return nil
}

func (p *Store) ListEvents(th connector.TableNames, name string, limit int) ([]connector.Event, error) {
	q := fmt.Sprintf("SELECT id, name, measurements_json::text, properties_json::text, recorded_at FROM %s", th.TelemetryEvents)
	var args []interface{}
	if name != "" {
		q += " WHERE name = " + p.dialect.GetPlaceholder(1)
		args = append(args, name)
	}
	q += " ORDER BY id ASC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.db.Query(q, args...)
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
			at       time.Time
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
		e.RecordedAt = p.dialect.ConvertTimeFromStorage(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Store) PurgeBefore(th connector.TableNames, cutoff time.Time) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE recorded_at < %s", th.TelemetryEvents, p.dialect.GetPlaceholder(1))
	res, err := p.db.Exec(q, p.dialect.ConvertTimeToStorage(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge telemetry events: %w", err)
	}
	return res.RowsAffected()
}
