// Package runstore is the SQLite persistence behind executions: the id
// counter, stage snapshots, execution records and telemetry samples.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a stage or execution has never been saved
var ErrNotFound = errors.New("not found")

const executionCounter = "execution"

// Store provides SQLite-backed execution persistence
type Store struct {
	db *sql.DB
}

var _ telemetry.Store = (*Store)(nil)

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// NextID allocates the next execution id. Ids are strictly increasing and
// survive restarts.
func (s *Store) NextID() (domain.ExecutionID, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, executionCounter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocating execution id: %w", err)
	}
	return domain.ExecutionID(id), nil
}

// PeekNextID returns the id NextID would hand out, without consuming it
func (s *Store) PeekNextID() (domain.ExecutionID, error) {
	var current int64
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, executionCounter).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return domain.ExecutionID(current + 1), nil
}

// SaveStage stores the serialized state of one stage
func (s *Store) SaveStage(tag string, id domain.ExecutionID, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO stages (tag, execution_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tag, execution_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, tag, int64(id), string(data), time.Now())
	return err
}

// LoadStage returns the serialized state saved for (tag, id)
func (s *Store) LoadStage(tag string, id domain.ExecutionID) ([]byte, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM stages WHERE tag = ? AND execution_id = ?`, tag, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s/%d: %w", tag, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// SaveExecution inserts or updates an execution record
func (s *Store) SaveExecution(rec *domain.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, coarse_status, verdict, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			coarse_status = excluded.coarse_status,
			verdict = excluded.verdict,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, int64(rec.ID), rec.CoarseStatus, rec.Verdict, string(data), rec.Created, time.Now())
	return err
}

// LoadExecution retrieves an execution record by id
func (s *Store) LoadExecution(id domain.ExecutionID) (*domain.ExecutionRecord, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM executions WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec domain.ExecutionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListOptions specifies filters for listing executions
type ListOptions struct {
	CoarseStatus string
	Limit        int
}

// ListExecutions returns saved executions, newest first
func (s *Store) ListExecutions(opts ListOptions) ([]*domain.ExecutionRecord, error) {
	query := `SELECT data FROM executions WHERE 1=1`
	var args []interface{}

	if opts.CoarseStatus != "" {
		query += " AND coarse_status = ?"
		args = append(args, opts.CoarseStatus)
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec domain.ExecutionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
