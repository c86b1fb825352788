// Package sqlbridge is the reference externaltx.Bridge adapter backed by
// database/sql with the pgx driver: pool construction plus
// migration-on-startup against the primary store, with the connection
// additionally wrapped as an ent dialect driver the same way
// pkg/database/client.go wraps it for its generated *ent.Client.
package sqlbridge

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/flowmesh/flowmesh/pkg/externaltx"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the pool and its migration behavior.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Bridge is an externaltx.Bridge backed by a *sql.DB.
type Bridge struct {
	db  *sql.DB
	ent *entsql.Driver
}

// Open connects to cfg.DSN, applies connection pool settings, and returns a
// ready-to-use Bridge. It does not run migrations; call Migrate separately
// so cmd/flowmeshd can decide when schema changes are applied.
func Open(cfg Config) (*Bridge, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: opening external resource connection: %v", flowerr.ErrBackendUnavailable, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging external resource: %v", flowerr.ErrBackendUnavailable, err)
	}

	// Wrap the pooled connection as an ent dialect driver, mirroring
	// pkg/database/client.go's entsql.OpenDB(dialect.Postgres, db) call:
	// same *sql.DB, same Postgres dialect tag, so anything built against
	// the generated ent schema package can share this pool.
	entDrv := entsql.OpenDB(dialect.Postgres, db)

	return &Bridge{db: db, ent: entDrv}, nil
}

// EntDriver returns the ent dialect.Driver wrapping this Bridge's
// connection pool, for callers that construct a generated ent.Client
// against the same pool rather than issuing raw SQL through Bridge.
func (b *Bridge) EntDriver() *entsql.Driver {
	return b.ent
}

// Migrate applies every pending migration embedded under migrations/.
func (b *Bridge) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(b.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("building migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Health reports whether the underlying connection pool can reach the
// external resource.
func (b *Bridge) Health(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: external resource ping failed: %v", flowerr.ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Bridge) Close() error {
	return b.db.Close()
}

// Begin implements externaltx.Bridge.
func (b *Bridge) Begin(ctx context.Context) (externaltx.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning external resource transaction: %v", flowerr.ErrBackendUnavailable, err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit(_ context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing external resource transaction: %v", flowerr.ErrBackendUnavailable, err)
	}
	return nil
}

func (t *sqlTx) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("%w: rolling back external resource transaction: %v", flowerr.ErrBackendUnavailable, err)
	}
	return nil
}

// TxFromContext is a convenience accessor stage handlers can use once a
// *sql.Tx has been placed in the context with WithTx. The coordinator does
// not call WithTx; it hands out its externaltx.Tx through
// coordinator.TxFromContext instead.
type contextKey struct{}

var txContextKey = contextKey{}

// WithTx returns a context carrying tx for retrieval by TxFromContext.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey, tx)
}

// TxFromContext returns the *sql.Tx stashed by WithTx, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey).(*sql.Tx)
	return tx, ok
}
