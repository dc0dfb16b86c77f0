package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		status TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		alarm_at TIMESTAMPTZ,
		record JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_alarm_at ON jobs(alarm_at) WHERE alarm_at IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) CreateJob(record *models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, engine, status, ts, alarm_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.JobID, string(record.Engine), string(record.Status), record.TS, record.AlarmAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.JobRecord, error) {
	var data string
	err := s.db.QueryRow(`SELECT record FROM jobs WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	var record models.JobRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) UpdateJob(record *models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET engine = $1, status = $2, ts = $3, alarm_at = $4, record = $5
		WHERE id = $6
	`, string(record.Engine), string(record.Status), record.TS, record.AlarmAt, string(data), record.JobID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobs() ([]*models.JobRecord, error) {
	return s.queryRecords(`SELECT record FROM jobs ORDER BY ts DESC`)
}

func (s *PostgresStore) DueAlarms(now time.Time) ([]*models.JobRecord, error) {
	return s.queryRecords(`SELECT record FROM jobs WHERE alarm_at IS NOT NULL AND alarm_at <= $1`, now)
}

func (s *PostgresStore) queryRecords(query string, args ...any) ([]*models.JobRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.JobRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var record models.JobRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		jobs = append(jobs, &record)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
