// Package pool implements the Session/Connection Pool: it carves broker
// sessions out of pooled physical connections, exposing two acquisition
// modes — a checkout/release pool for Initiators and an exclusive,
// long-lived lease for Stage Processors — and propagates a crashed
// session's fate to every sibling sharing its physical connection.
//
// A small amount of shared, mutex-guarded bookkeeping plus per-caller
// backoff does the job here, rather than a generic third-party
// connection-pool library — the crash/sibling-invalidation rule is
// domain-specific enough that a hand-rolled registry is the closer fit
// than e.g. puddle (used elsewhere in this module's dependency graph for
// pgx pooling).
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// Pool acquires transport.Sessions on behalf of Initiators and Stage
// Processors, grouping sessions by the physical transport.Connection they
// were carved from so a crash can be propagated to every sibling.
type Pool struct {
	broker transport.Broker
	cfg    config.ProcessorConfig

	mu     sync.Mutex
	groups []*connGroup

	// idle is the free-list of initiator sessions available for reuse:
	// acquire, use, release, and the session may be returned to the pool.
	idle []*leasedSession
}

// New returns a Pool that carves sessions from connections dialed by
// broker. cfg supplies the crash-backoff schedule: a processor acquiring a
// new session after a crash observes a short backoff with jitter.
func New(broker transport.Broker, cfg config.ProcessorConfig) *Pool {
	return &Pool{broker: broker, cfg: cfg}
}

// connGroup is one physical transport.Connection and every live Session
// carved from it. Sessions sharing a connGroup form the "sibling" set the
// spec requires be revoked together on any member's crash.
type connGroup struct {
	mu      sync.Mutex
	conn    transport.Connection
	members map[*leasedSession]struct{}
	crashed bool
}

// leasedSession is a transport.Session plus the bookkeeping the pool needs
// to find its siblings and return it home on Close/Crashed.
type leasedSession struct {
	transport.Session
	pool    *Pool
	group   *connGroup
	forProc bool // true for a Stage Processor's exclusive lease
}

// AcquireForInitiator implements the Initiator's acquire/use/release mode:
// a session is popped off the idle free-list if one is available, or
// carved from a (possibly new) connection otherwise. Release returns it to
// the free-list for reuse by a later initiation.
func (p *Pool) AcquireForInitiator(ctx context.Context) (transport.Session, func(), error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		ls := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return ls, func() { p.release(ls) }, nil
	}
	p.mu.Unlock()

	ls, err := p.carveSession(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	return ls, func() { p.release(ls) }, nil
}

// release returns an initiator session to the idle free-list, unless its
// group has since been marked crashed, in which case it's closed instead.
func (p *Pool) release(ls *leasedSession) {
	ls.group.mu.Lock()
	crashed := ls.group.crashed
	ls.group.mu.Unlock()

	if crashed {
		_ = ls.Session.Close()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, ls)
	p.mu.Unlock()
}

// ProcessorLease is the exclusive, long-lived session handle a Stage
// Processor holds for the duration of its consumer loop: acquired
// exclusively for the lifetime of the consumer loop.
type ProcessorLease struct {
	ls *leasedSession
}

// Session returns the underlying transport.Session this lease wraps.
func (l *ProcessorLease) Session() transport.Session { return l.ls.Session }

// IsStillActive probes the session's liveness (also exposed for the
// coordinator's own step-4 probe via Session() directly).
func (l *ProcessorLease) IsStillActive(ctx context.Context) bool {
	return l.ls.Session.IsStillActive(ctx)
}

// Close returns the session home cleanly: it leaves the connGroup without
// marking it crashed, so siblings are unaffected.
func (l *ProcessorLease) Close() error {
	l.ls.group.mu.Lock()
	delete(l.ls.group.members, l.ls)
	l.ls.group.mu.Unlock()
	return l.ls.Session.Close()
}

// Crashed reports this session as dead and revokes every sibling sharing
// its physical connection: on any member's crash, the pool revokes all
// siblings. The underlying physical connection is closed; a future
// AcquireForProcessor call opens a fresh one.
func (l *ProcessorLease) Crashed(ctx context.Context) {
	g := l.ls.group
	g.mu.Lock()
	if g.crashed {
		g.mu.Unlock()
		return
	}
	g.crashed = true
	siblings := make([]*leasedSession, 0, len(g.members))
	for m := range g.members {
		siblings = append(siblings, m)
	}
	g.members = nil
	g.mu.Unlock()

	for _, m := range siblings {
		_ = m.Session.Close()
	}
	if err := g.conn.Close(); err != nil {
		slog.Warn("closing crashed broker connection", "error", err)
	}

	p := l.ls.pool
	p.mu.Lock()
	p.groups = removeGroup(p.groups, g)
	p.mu.Unlock()
}

// AcquireForProcessor carves a new session for a Stage Processor's
// exclusive, long-lived use. If attempt > 0 the caller is reacquiring after
// a crash and this call first observes a bounded exponential backoff with
// jitter.
func (p *Pool) AcquireForProcessor(ctx context.Context, attempt int) (*ProcessorLease, error) {
	if attempt > 0 {
		if err := sleepBackoff(ctx, p.cfg, attempt); err != nil {
			return nil, err
		}
	}

	ls, err := p.carveSession(ctx, true)
	if err != nil {
		return nil, err
	}
	return &ProcessorLease{ls: ls}, nil
}

// carveSession opens a fresh connGroup (one connection per carved session
// keeps the blast radius of a single crash to that one caller's siblings;
// carved sessions never share a connection).
func (p *Pool) carveSession(ctx context.Context, forProc bool) (*leasedSession, error) {
	conn, err := p.broker.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: carving broker connection: %v", flowerr.ErrBackendUnavailable, err)
	}
	sess, err := conn.NewSession(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: carving broker session: %v", flowerr.ErrBackendUnavailable, err)
	}

	g := &connGroup{conn: conn, members: make(map[*leasedSession]struct{})}
	ls := &leasedSession{Session: sess, pool: p, group: g, forProc: forProc}
	g.members[ls] = struct{}{}

	p.mu.Lock()
	p.groups = append(p.groups, g)
	p.mu.Unlock()

	return ls, nil
}

// sleepBackoff waits out the bounded-exponential-with-jitter schedule for
// the given crash-reacquisition attempt (1-indexed), or returns ctx.Err()
// if ctx is cancelled first. Built on cenkalti/backoff/v4's
// ExponentialBackOff, stepped by hand rather than driven through its
// Retry/Ticker helpers: the pool already owns the attempt counter (it
// spans reacquisition across possibly-different errors), so only the
// interval calculation is reused here.
func sleepBackoff(ctx context.Context, cfg config.ProcessorConfig, attempt int) error {
	base, max, jitter := cfg.CrashBackoffBase, cfg.CrashBackoffMax, cfg.CrashBackoffJitter
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if jitter <= 0 {
		jitter = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.MaxElapsedTime = 0 // this pool bounds attempts itself, not elapsed time
	eb.RandomizationFactor = float64(jitter) / float64(max+jitter)
	eb.Multiplier = 2
	eb.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	// NextBackOff's randomization can land below InitialInterval; floor at
	// base so callers always observe at least one base interval of delay
	// before a retry.
	if d < base {
		d = base
	}
	if max > 0 && d > max {
		d = max
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func removeGroup(groups []*connGroup, target *connGroup) []*connGroup {
	out := groups[:0]
	for _, g := range groups {
		if g != target {
			out = append(out, g)
		}
	}
	return out
}
