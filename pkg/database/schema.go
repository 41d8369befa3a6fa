package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the content store tables. It is safe to run on every
// start.
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema")

	for _, stmt := range []string{createContentBlobsTable, createContentBlobsIndexes} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	db.logger.Info("Database schema ready")
	return nil
}

// Blobs are ciphertext addressed by CID, so rows are immutable.
const (
	createContentBlobsTable = `
		CREATE TABLE IF NOT EXISTS content_blobs (
			cid        VARCHAR(128) PRIMARY KEY,
			data       BYTEA NOT NULL,
			size       INTEGER NOT NULL CHECK (size >= 0),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createContentBlobsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_content_blobs_created_at ON content_blobs(created_at);`
)
