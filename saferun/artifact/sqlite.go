package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file, WAL-mode Sink backed by modernc.org/sqlite.
// Adapted from the teacher module's SQLiteStore: same connection-pool
// configuration (one writer, WAL mode, busy timeout), same
// create-tables-if-missing migration pattern, repurposed for
// content-addressed artifact records instead of generic workflow steps.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path and ensures its
// schema exists. Pass ":memory:" for an ephemeral database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("artifact: %s: %w", pragma, err)
		}
	}

	store := &SQLite{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLite) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id  TEXT PRIMARY KEY,
			uri          TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes   INTEGER NOT NULL,
			metadata     TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			data         BLOB NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("artifact: create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_artifacts_uri ON artifacts(uri)"); err != nil {
		return fmt.Errorf("artifact: create index: %w", err)
	}
	return nil
}

// Put stores data and its metadata, returning the Record describing it.
func (s *SQLite) Put(ctx context.Context, contentType string, data []byte, metadata map[string]any) (Record, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: marshal metadata: %w", err)
	}

	record := Record{
		ArtifactID:  uuid.NewString(),
		ContentHash: hashOf(data),
		ContentType: contentType,
		SizeBytes:   len(data),
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
		Bytes:       data,
	}
	record.URI = fmt.Sprintf("saferun://artifacts/%s", record.ArtifactID)

	const insert = `
		INSERT INTO artifacts (artifact_id, uri, content_hash, content_type, size_bytes, metadata, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, insert,
		record.ArtifactID, record.URI, record.ContentHash, record.ContentType,
		record.SizeBytes, string(metaJSON), record.CreatedAt, record.Bytes,
	); err != nil {
		return Record{}, fmt.Errorf("artifact: insert: %w", err)
	}

	return record, nil
}

// Get returns the bytes stored under uri, re-verifying the content hash
// before returning them.
func (s *SQLite) Get(ctx context.Context, uri string) ([]byte, error) {
	const query = `SELECT content_hash, data FROM artifacts WHERE uri = ?`
	var hash string
	var data []byte
	err := s.db.QueryRowContext(ctx, query, uri).Scan(&hash, &data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: query: %w", err)
	}
	if hashOf(data) != hash {
		return nil, ErrHashMismatch
	}
	return data, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
