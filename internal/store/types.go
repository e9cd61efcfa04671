package store

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel provides common fields for all database models.
type BaseModel struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// PostgresDSN is the Postgres connection string. If empty, standalone (sqlite) mode is used.
	PostgresDSN string

	// Mode: "standalone" (default) or "managed".
	Mode string

	// SQLitePath is the database file for standalone mode (default: ~/.clawworker/sessions.db).
	SQLitePath string
}

// IsManaged returns true if the system is in managed (Postgres) mode.
func (c StoreConfig) IsManaged() bool {
	return c.PostgresDSN != "" && c.Mode == "managed"
}

// Stores groups the store implementations selected for a run mode.
type Stores struct {
	Sessions SessionStore
	Tracing  TracingStore // nil when tracing persistence is disabled
}

// Close releases the underlying database handles.
func (s *Stores) Close() error {
	if s == nil || s.Sessions == nil {
		return nil
	}
	return s.Sessions.Close()
}
