package connector

import (
	"context"
	"database/sql"
	"time"
)

// Event is one flushed telemetry event as persisted.
type Event struct {
	ID           int64
	Name         string
	Measurements map[string]float64
	Properties   map[string]string
	RecordedAt   string // RFC3339Nano
}

// TableNames represents database table names
type TableNames struct {
	TelemetryEvents string
}

type Connector interface {
	Connect() (*sql.DB, error)
	Validate() error
	Load(config map[string]interface{}) error
	Ensure(th TableNames) error
	InsertEvent(ctx context.Context, th TableNames, name string, at time.Time, measurementsJSON, propertiesJSON string) error
	// ListEvents returns events ordered by id ASC; an empty name lists every event.
	ListEvents(th TableNames, name string, limit int) ([]Event, error)
	PurgeBefore(th TableNames, cutoff time.Time) (int64, error)
	Close() error
}
