package contentstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/medrex/healthchain/pkg/types"
)

const (
	insertBlobQuery = `INSERT INTO content_blobs (cid, data, size) VALUES ($1, $2, $3) ON CONFLICT (cid) DO NOTHING`
	selectBlobQuery = `SELECT data FROM content_blobs WHERE cid = $1`
)

// PostgresStore keeps blobs in the content_blobs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, data []byte) (string, error) {
	id, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	if data == nil {
		data = []byte{}
	}

	if _, err := p.db.ExecContext(ctx, insertBlobQuery, id, data, len(data)); err != nil {
		return "", types.NewUnavailableError("failed to store content", err)
	}
	return id, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	if _, err := ParseCID(id); err != nil {
		return nil, err
	}

	var data []byte
	err := p.db.QueryRowContext(ctx, selectBlobQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewNotFoundError("content not found")
	}
	if err != nil {
		return nil, types.NewUnavailableError("failed to load content", err)
	}
	if data == nil {
		data = []byte{}
	}
	if err := verify(id, data); err != nil {
		return nil, err
	}
	return data, nil
}
