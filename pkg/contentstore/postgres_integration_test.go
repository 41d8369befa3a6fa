//go:build integration

package contentstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/medrex/healthchain/pkg/config"
	"github.com/medrex/healthchain/pkg/database"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/types"
)

func startPostgres(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "healthchain_test",
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "testpass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	p, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	db, err := database.NewConnection(ctx, &config.DatabaseConfig{
		Host:     host,
		Port:     p,
		Name:     "healthchain_test",
		User:     "test",
		Password: "testpass",
		SSLMode:  "disable",
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateSchema(ctx))
	return db
}

func TestPostgresStoreIntegration(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db.DB)
	ctx := context.Background()

	data := []byte(`{"ciphertext":"opaque"}`)
	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, id, again, "identical content maps to one row")

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing, err := ComputeCID([]byte("never stored"))
	require.NoError(t, err)
	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, types.ErrNotFound)

	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_blobs`).Scan(&rows))
	assert.Equal(t, 1, rows)
}
