// Package externaltx defines the optional bridge to an ambient external
// transaction manager — an external resource such as a database. A
// configured Bridge lets the transaction coordinator bracket a stage's
// database writes inside the same best-effort window as the broker
// transaction. Concrete adapters live in subpackages (sqlbridge).
package externaltx

import "context"

// Tx is a single external-resource transaction, opened for the duration of
// one stage invocation.
type Tx interface {
	// Commit finalizes the external-resource writes made during this
	// transaction.
	Commit(ctx context.Context) error

	// Rollback discards the external-resource writes made during this
	// transaction.
	Rollback(ctx context.Context) error
}

// Bridge opens external-resource transactions for the coordinator to
// bracket alongside the broker transaction. A nil Bridge means no external
// resource is configured; stages then run with broker-only transactions.
type Bridge interface {
	Begin(ctx context.Context) (Tx, error)
}
