// Package runtime composes the Endpoint Registry, Session/Connection Pool,
// Transaction Coordinator, Initiator and per-stage Processors into the
// single factory object cmd/flowmeshd (or an embedding application)
// constructs once and starts/stops as a unit: a process-wide table from
// endpointId to endpoint, plus the factory-wide hold/start/stop lifecycle.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/observability/metrics"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/coordinator"
	"github.com/flowmesh/flowmesh/pkg/externaltx"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/initiator"
	"github.com/flowmesh/flowmesh/pkg/lifecycle"
	"github.com/flowmesh/flowmesh/pkg/pool"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/stage"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// Factory is the runtime's top-level object: endpoints are Registered
// against it while held, then Start spins up one stage.Processor goroutine
// per concurrency slot of every registered stage.
type Factory struct {
	cfg        *config.Config
	registry   *registry.Registry
	pool       *pool.Pool
	coord      *coordinator.Coordinator
	serializer serialize.Port
	initiator  *initiator.Initiator
	lc         *lifecycle.Log
	metrics    *metrics.Recorder

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	processors []*stage.Processor
}

// New constructs a held Factory. bridge may be nil (no external-resource
// bracketing); broker and serializer are supplied by the embedding
// application (cmd/flowmeshd picks concrete adapters from cfg.Broker).
func New(cfg *config.Config, broker transport.Broker, bridge externaltx.Bridge, serializer serialize.Port) *Factory {
	reg := registry.New()
	p := pool.New(broker, *cfg.Processor)
	coord := coordinator.New(bridge)
	init := initiator.New(cfg.Factory.Name, p, coord, serializer, cfg.Factory)

	return &Factory{
		cfg:        cfg,
		registry:   reg,
		pool:       p,
		coord:      coord,
		serializer: serializer,
		initiator:  init,
		lc:         lifecycle.New(),
		metrics:    metrics.NoOp(),
	}
}

// SetMetrics attaches a metrics.Recorder that the factory and every
// processor it starts record to; pass metrics.NoOp() (the default) to
// disable Prometheus, or metrics.New(reg) to enable it. Must be called
// before Start.
func (f *Factory) SetMetrics(m *metrics.Recorder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = m
	f.initiator.SetMetrics(m)
}

// Registry returns the factory's Endpoint Registry, for direct Get/Has/All
// queries (e.g. the /debug/endpoints HTTP surface).
func (f *Factory) Registry() *registry.Registry { return f.registry }

// Initiator returns the factory's long-lived Initiator.
func (f *Factory) Initiator() *initiator.Initiator { return f.initiator }

// LifecycleLog returns the factory's bounded lifecycle event history, for
// the /debug/lifecycle HTTP surface.
func (f *Factory) LifecycleLog() *lifecycle.Log { return f.lc }

// Register adds ep to the registry. Must be called before Start; endpoints
// registered while held have no running processors yet.
func (f *Factory) Register(ep *registry.Endpoint) error {
	if err := f.registry.Register(ep); err != nil {
		return err
	}
	f.lc.Record(lifecycle.EventEndpointRegistered, ep.ID, "")
	return nil
}

// Start seals the registry into the started state and launches every
// registered stage's worker-slot processors.
func (f *Factory) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if err := f.registry.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	if f.cfg.Retention != nil {
		f.lc.Start(runCtx, f.cfg.Retention.EventTTL, f.cfg.Retention.CleanupInterval)
	}

	for _, ep := range f.registry.All() {
		for _, st := range ep.Stages {
			slots := st.Concurrency
			if slots <= 0 {
				slots = f.cfg.Processor.Concurrency
			}
			if slots <= 0 {
				slots = 1
			}
			for slot := 0; slot < slots; slot++ {
				id := fmt.Sprintf("%s#%d", st.ID, slot)
				proc := stage.NewProcessor(id, ep.ID, st, f.registry, f.pool, f.coord, f.serializer, f.cfg.Factory)
				proc.SetLifecycleLog(f.lc)
				proc.SetMetrics(f.metrics)
				proc.Start(runCtx)
				f.processors = append(f.processors, proc)
			}
		}
	}

	f.lc.Record(lifecycle.EventFactoryStarted, f.cfg.Factory.Name, "")
	f.started = true
	return nil
}

// WaitForStarted blocks until every processor has acquired a session and
// entered its consume loop, or timeout elapses.
func (f *Factory) WaitForStarted(timeout time.Duration) error {
	f.mu.Lock()
	processors := append([]*stage.Processor(nil), f.processors...)
	f.mu.Unlock()

	deadline := time.After(timeout)
	for _, p := range processors {
		select {
		case <-p.Ready():
		case <-deadline:
			return fmt.Errorf("%w: timed out waiting for stage processors to start", flowerr.ErrLifecycle)
		}
	}
	return nil
}

// Stop requests every processor drain, waits up to graceful, then forces
// cancellation of any still-blocked consume loop.
func (f *Factory) Stop(graceful time.Duration) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.registry.Stop()
	f.initiator.Close()
	processors := f.processors
	cancel := f.cancel
	f.started = false
	f.processors = nil
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, p := range processors {
			p.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(graceful):
		if cancel != nil {
			cancel()
		}
		<-done
	}

	f.lc.Record(lifecycle.EventFactoryStopped, f.cfg.Factory.Name, "")
	f.lc.Stop()
}
