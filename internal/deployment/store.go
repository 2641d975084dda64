// SQLite-backed secondary index, adapted from the teacher's db.Database:
// same migrate-on-open pattern, same two-table shape (a primary record table
// plus an append-only events table), generalized from "deployment of a
// service version" to "lifecycle of an orchestrator deployment". meta.json
// remains authoritative; this index exists purely so the chat API and CLI
// can list/filter without walking the workspace tree.
package deployment

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed deployment index.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at path and
// runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment index: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping deployment index: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate deployment index: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		namespace TEXT NOT NULL,
		source_repo TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
	CREATE INDEX IF NOT EXISTS idx_deployments_updated_at ON deployments(updated_at DESC);

	CREATE TABLE IF NOT EXISTS deployment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		phase TEXT NOT NULL,
		message TEXT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (deployment_id) REFERENCES deployments(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_deployment_id ON deployment_events(deployment_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or updates the index row for d.
func (s *Store) Upsert(d *Deployment) error {
	_, err := s.db.Exec(`
		INSERT INTO deployments (id, mode, status, namespace, source_repo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			namespace = excluded.namespace,
			source_repo = excluded.source_repo,
			updated_at = excluded.updated_at
	`, d.ID, d.Mode, d.State, d.TargetNamespace, d.SourceRepoURL, d.CreatedAt, d.UpdatedAt)
	return err
}

// Get returns the indexed summary row for id, or nil if not present.
func (s *Store) Get(id string) (*Deployment, error) {
	var d Deployment
	err := s.db.QueryRow(`
		SELECT id, mode, status, namespace, source_repo, created_at, updated_at
		FROM deployments WHERE id = ?
	`, id).Scan(&d.ID, &d.Mode, &d.State, &d.TargetNamespace, &d.SourceRepoURL, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns index rows, most recently updated first.
func (s *Store) List(limit, offset int) ([]Deployment, error) {
	rows, err := s.db.Query(`
		SELECT id, mode, status, namespace, source_repo, created_at, updated_at
		FROM deployments
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.ID, &d.Mode, &d.State, &d.TargetNamespace, &d.SourceRepoURL, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddEvent appends a Progress Event to the audit log.
func (s *Store) AddEvent(deploymentID, stage, phase, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO deployment_events (deployment_id, stage, phase, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, deploymentID, stage, phase, message, time.Now())
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity, used by the /health handler.
func (s *Store) Ping() error { return s.db.Ping() }
