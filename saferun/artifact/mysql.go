package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is a MySQL/MariaDB-backed Sink for production deployments that
// need artifacts to survive process restarts and be visible to multiple
// workers. Adapted from the teacher module's MySQLStore: same
// connection-pool sizing and ping-on-open behavior, repurposed for
// content-addressed artifact records.
type MySQL struct {
	db *sql.DB
}

// NewMySQL opens a connection pool against dsn and ensures the artifacts
// table exists. dsn follows the go-sql-driver/mysql DSN format, e.g.
// "user:pass@tcp(localhost:3306)/saferun?parseTime=true".
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("artifact: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifact: ping mysql: %w", err)
	}

	store := &MySQL{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQL) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id  VARCHAR(64) PRIMARY KEY,
			uri          VARCHAR(255) NOT NULL UNIQUE,
			content_hash VARCHAR(128) NOT NULL,
			content_type VARCHAR(128) NOT NULL,
			size_bytes   INT NOT NULL,
			metadata     JSON NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			data         LONGBLOB NOT NULL,
			INDEX idx_artifacts_uri (uri)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("artifact: create schema: %w", err)
	}
	return nil
}

// Put stores data and its metadata, returning the Record describing it.
func (s *MySQL) Put(ctx context.Context, contentType string, data []byte, metadata map[string]any) (Record, error) {
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
func (s *MySQL) Get(ctx context.Context, uri string) ([]byte, error) {
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

// Close releases the underlying connection pool.
func (s *MySQL) Close() error {
	return s.db.Close()
}
