package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/renderfarm/jobtrackd/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "jobtrackd.db"
	}
	// WAL + busy timeout for concurrent readers alongside the single writer
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writes to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		status TEXT NOT NULL,
		ts DATETIME NOT NULL,
		alarm_at DATETIME,
		record TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_alarm_at ON jobs(alarm_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateJob(record *models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, engine, status, ts, alarm_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.JobID, string(record.Engine), string(record.Status), record.TS, record.AlarmAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.JobRecord, error) {
	var data string
	err := s.db.QueryRow(`SELECT record FROM jobs WHERE id = ?`, id).Scan(&data)
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

func (s *SQLiteStore) UpdateJob(record *models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET engine = ?, status = ?, ts = ?, alarm_at = ?, record = ?
		WHERE id = ?
	`, string(record.Engine), string(record.Status), record.TS, record.AlarmAt, string(data), record.JobID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) ListJobs() ([]*models.JobRecord, error) {
	return s.queryRecords(`SELECT record FROM jobs ORDER BY ts DESC`)
}

func (s *SQLiteStore) DueAlarms(now time.Time) ([]*models.JobRecord, error) {
	return s.queryRecords(`SELECT record FROM jobs WHERE alarm_at IS NOT NULL AND alarm_at <= ?`, now)
}

func (s *SQLiteStore) queryRecords(query string, args ...any) ([]*models.JobRecord, error) {
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
