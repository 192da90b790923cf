package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/communitywatch/response-core/internal/config"
)

// Connect establishes a database connection
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations
func RunMigrations(cfg config.DatabaseConfig) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BaseRepository carries the shared database handle
type BaseRepository struct {
	db *sqlx.DB
}

// Transaction executes a function within a database transaction
func (r *BaseRepository) Transaction(fn func(*sqlx.Tx) error) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// JSONMap stores arbitrary JSON metadata in a jsonb column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// Incident statuses. The incident lifecycle is owned outside this core;
// the escalation engine only ever reads these.
const (
	IncidentStatusOpen         = "OPEN"
	IncidentStatusAcknowledged = "ACKNOWLEDGED"
	IncidentStatusResolved     = "RESOLVED"
	IncidentStatusCancelled    = "CANCELLED"
)

// Incident is an emergency incident as the escalation engine sees it
type Incident struct {
	ID          string    `db:"id" json:"id"`
	Status      string    `db:"status" json:"status"`
	Priority    int       `db:"priority" json:"priority"`
	Province    string    `db:"province" json:"province"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	ReporterID  *string   `db:"reporter_id" json:"reporter_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// EscalationRule decides when an aged OPEN incident escalates. Rules
// are read once at the start of a sweep and treated as immutable for
// its duration.
type EscalationRule struct {
	ID           string    `db:"id" json:"id" validate:"required"`
	Name         string    `db:"name" json:"name" validate:"required"`
	Province     *string   `db:"province" json:"province,omitempty"`
	MinPriority  *int      `db:"min_priority" json:"min_priority,omitempty"`
	DelaySeconds int       `db:"delay_seconds" json:"delay_seconds" validate:"min=1"`
	Active       bool      `db:"active" json:"active"`
	CreatedBy    string    `db:"created_by" json:"created_by"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Delay returns the rule delay as a duration
func (r *EscalationRule) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

// EscalationTarget is one ordered notification destination of a rule.
// ResponderPhone and ContactPhone are resolved by a join at read time
// and stay nil when the referenced entity no longer exists.
type EscalationTarget struct {
	ID             string  `db:"id" json:"id"`
	RuleID         string  `db:"rule_id" json:"rule_id"`
	Position       int     `db:"position" json:"position"`
	Channel        string  `db:"channel" json:"channel"`
	ResponderID    *string `db:"responder_id" json:"responder_id,omitempty"`
	ContactID      *string `db:"contact_id" json:"contact_id,omitempty"`
	Destination    *string `db:"destination" json:"destination,omitempty"`
	ResponderPhone *string `db:"responder_phone" json:"-"`
	ContactPhone   *string `db:"contact_phone" json:"-"`
}

// Resolve returns the first non-empty of responder phone, contact phone
// and raw destination. The empty result means the referenced entities
// were deleted after rule creation and the target must be skipped.
func (t *EscalationTarget) Resolve() string {
	if t.ResponderPhone != nil && *t.ResponderPhone != "" {
		return *t.ResponderPhone
	}
	if t.ContactPhone != nil && *t.ContactPhone != "" {
		return *t.ContactPhone
	}
	if t.Destination != nil && *t.Destination != "" {
		return *t.Destination
	}
	return ""
}

// Incident event types appended by this engine
const (
	IncidentEventEscalated = "escalated"
)

// IncidentEvent is an append-only fact about an incident. An event of
// type "escalated" with a rule ID is the idempotency mark: at most one
// may exist per (incident, rule) pair, enforced by a unique index.
type IncidentEvent struct {
	ID         string    `db:"id" json:"id"`
	IncidentID string    `db:"incident_id" json:"incident_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	RuleID     *string   `db:"rule_id" json:"rule_id,omitempty"`
	Metadata   JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SyncEntity is the authoritative server copy of one syncable record
type SyncEntity struct {
	DataType  string    `db:"data_type" json:"data_type"`
	EntityID  string    `db:"entity_id" json:"entity_id"`
	Payload   JSONMap   `db:"payload" json:"payload"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SyncConflict is the persisted audit record of one detected conflict
type SyncConflict struct {
	ID              string    `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"session_id"`
	DataType        string    `db:"data_type" json:"data_type"`
	EntityID        string    `db:"entity_id" json:"entity_id"`
	ServerTimestamp time.Time `db:"server_timestamp" json:"server_timestamp"`
	ClientTimestamp time.Time `db:"client_timestamp" json:"client_timestamp"`
	Resolution      string    `db:"resolution" json:"resolution"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
