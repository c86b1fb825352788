// Package coordinator implements the Transaction Coordinator: the
// best-effort bracketing of a broker transaction around an optional
// external-resource transaction so a stage's business writes and its
// outgoing messages become visible together, or not at all, in the common
// case.
//
// The pattern follows a persist-then-notify order for an at-least-once
// delivery guarantee: do the durable write first, then the broker-visible
// side effect. A broker commit failure after the durable write has
// committed is returned as flowerr.ErrMessageSend: the external write
// stands, and the caller must compensate.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowmesh/flowmesh/pkg/externaltx"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// Coordinator brackets one stage invocation's broker transaction with an
// optional external-resource transaction.
type Coordinator struct {
	// Bridge is the optional external-resource transaction source. Nil
	// disables external-resource bracketing entirely: stages then run
	// with broker-only transactions.
	Bridge externaltx.Bridge
}

// New returns a Coordinator. bridge may be nil.
func New(bridge externaltx.Bridge) *Coordinator {
	return &Coordinator{Bridge: bridge}
}

// externalTxKey is the context key the coordinator uses to hand the open
// externaltx.Tx to the stage handler, so sqlbridge-aware handlers can issue
// business writes inside the same transaction the coordinator commits.
type externalTxKey struct{}

// TxFromContext returns the externaltx.Tx the coordinator opened for the
// current invocation, if an external resource is configured.
func TxFromContext(ctx context.Context) (externaltx.Tx, bool) {
	tx, ok := ctx.Value(externalTxKey{}).(externaltx.Tx)
	return tx, ok
}

// Execute runs fn inside a broker transaction (session.BeginTransaction /
// Commit / Rollback) bracketed around an external-resource transaction when
// a Bridge is configured. The six-step protocol:
//
//  1. Begin the broker transaction (the in-flight delivery's ack and any
//     outgoing sends are now buffered).
//  2. Begin the external-resource transaction, if configured.
//  3. Run fn, which performs the stage's business logic and queues
//     outgoing sends via the session.
//  4. On fn error: roll back the external-resource transaction, then the
//     broker transaction, and return the error (the broker redelivers).
//  5. On success: commit the external-resource transaction first.
//  6. Commit the broker transaction. A failure here after step 5 is the
//     best-effort window: the external write is already durable, so the
//     error is returned wrapping flowerr.ErrMessageSend and the caller
//     must compensate rather than retry as if nothing happened.
func (c *Coordinator) Execute(ctx context.Context, session transport.Session, fn func(ctx context.Context) error) error {
	if err := session.BeginTransaction(ctx); err != nil {
		return fmt.Errorf("%w: opening broker transaction: %v", flowerr.ErrBackendUnavailable, err)
	}

	var externalTx externaltx.Tx
	if c.Bridge != nil {
		tx, err := c.Bridge.Begin(ctx)
		if err != nil {
			_ = session.Rollback(ctx)
			return fmt.Errorf("%w: opening external resource transaction: %v", flowerr.ErrBackendUnavailable, err)
		}
		externalTx = tx
		ctx = context.WithValue(ctx, externalTxKey{}, externalTx)
	}

	fnErr := fn(ctx)

	if fnErr == nil && !session.IsStillActive(ctx) {
		fnErr = fmt.Errorf("%w: session no longer active before commit", flowerr.ErrBackendUnavailable)
	}

	if fnErr != nil {
		if externalTx != nil {
			if rbErr := externalTx.Rollback(ctx); rbErr != nil {
				slog.Error("external resource rollback failed", "error", rbErr)
			}
		}
		if rbErr := session.Rollback(ctx); rbErr != nil {
			slog.Error("broker transaction rollback failed", "error", rbErr)
		}
		return fnErr
	}

	if externalTx != nil {
		if err := externalTx.Commit(ctx); err != nil {
			_ = session.Rollback(ctx)
			return fmt.Errorf("%w: committing external resource transaction: %v", flowerr.ErrBackendUnavailable, err)
		}
	}

	if err := session.Commit(ctx); err != nil {
		if externalTx != nil {
			// The external write already landed durably; the broker may or
			// may not have published the outgoing messages. This is the
			// inter-commit failure window surfaced as MessageSendError: the
			// caller must compensate, it cannot simply retry as if nothing
			// happened.
			slog.Error("broker commit failed after external resource commit; caller must compensate",
				"error", err)
			return fmt.Errorf("%w: committing broker transaction after external resource commit: %v", flowerr.ErrMessageSend, err)
		}
		return fmt.Errorf("%w: committing broker transaction: %v", flowerr.ErrBackendUnavailable, err)
	}

	return nil
}

// IsRetryable reports whether err represents a condition the caller should
// retry (redeliver) rather than treat as permanent, delegating to
// flowerr.StageRetry.
func IsRetryable(err error) bool {
	return flowerr.StageRetry(err) && !errors.Is(err, context.Canceled)
}
