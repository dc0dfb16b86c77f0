package store

import (
	"errors"
	"time"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrUnsupportedDSN = errors.New("unsupported store DSN")
)

// Store persists JobRecords. The actor layer is the only writer for any
// given job; the store just has to keep records (including pending
// notifications and alarm times) durable across process eviction.
type Store interface {
	CreateJob(record *models.JobRecord) error
	GetJob(id string) (*models.JobRecord, error)
	UpdateJob(record *models.JobRecord) error
	DeleteJob(id string) error
	ListJobs() ([]*models.JobRecord, error)

	// DueAlarms returns jobs whose stored wake-up time is at or before
	// now. Used by the reconciliation sweep after a restart.
	DueAlarms(now time.Time) ([]*models.JobRecord, error)

	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		return NewSQLiteStore(config.DSN)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDSN
	}
}
