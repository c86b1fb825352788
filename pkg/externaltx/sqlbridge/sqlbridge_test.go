package sqlbridge

import (
	"context"
	"testing"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres spins up a throwaway Postgres container and returns a
// connected, migrated Bridge. Skipped in -short mode; otherwise it needs a
// running Docker daemon.
func startPostgres(t *testing.T) *Bridge {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("flowmesh_test"),
		tcpostgres.WithUsername("flowmesh"),
		tcpostgres.WithPassword("flowmesh"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	bridge, err := Open(Config{DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })

	require.NoError(t, bridge.Migrate())
	return bridge
}

func TestBridge_BeginCommit(t *testing.T) {
	bridge := startPostgres(t)
	ctx := context.Background()

	tx, err := bridge.Begin(ctx)
	require.NoError(t, err)

	sqlTx := tx.(*sqlTx).tx
	_, err = sqlTx.ExecContext(ctx, "INSERT INTO processed_messages (message_id, stage_id) VALUES ($1, $2)", "msg-1", "orderService.receive")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))

	var count int
	require.NoError(t, bridge.db.QueryRowContext(ctx, "SELECT count(*) FROM processed_messages WHERE message_id = $1", "msg-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestBridge_BeginRollback(t *testing.T) {
	bridge := startPostgres(t)
	ctx := context.Background()

	tx, err := bridge.Begin(ctx)
	require.NoError(t, err)

	sqlTx := tx.(*sqlTx).tx
	_, err = sqlTx.ExecContext(ctx, "INSERT INTO processed_messages (message_id, stage_id) VALUES ($1, $2)", "msg-2", "orderService.receive")
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, bridge.db.QueryRowContext(ctx, "SELECT count(*) FROM processed_messages WHERE message_id = $1", "msg-2").Scan(&count))
	require.Equal(t, 0, count)
}

func TestBridge_Health(t *testing.T) {
	bridge := startPostgres(t)
	require.NoError(t, bridge.Health(context.Background()))
}

func TestBridge_EntDriverSharesPool(t *testing.T) {
	bridge := startPostgres(t)
	ctx := context.Background()

	drv := bridge.EntDriver()
	require.NotNil(t, drv)
	require.Equal(t, "postgres", drv.Dialect())

	var rows entsql.Rows
	require.NoError(t, drv.Query(ctx, "SELECT count(*) FROM processed_messages", []any{}, &rows))
	require.NoError(t, rows.Close())
}
