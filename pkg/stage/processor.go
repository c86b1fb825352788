package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/observability/metrics"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/coordinator"
	"github.com/flowmesh/flowmesh/pkg/flowerr"
	"github.com/flowmesh/flowmesh/pkg/lifecycle"
	"github.com/flowmesh/flowmesh/pkg/pool"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/serialize"
	"github.com/flowmesh/flowmesh/pkg/trace"
	"github.com/flowmesh/flowmesh/pkg/transport"
)

// Destination builds the transport.Destination a stage id resolves to,
// applying the factory's configured naming prefix.
func Destination(prefix, stageID string, topic bool) transport.Destination {
	kind := transport.KindQueue
	if topic {
		kind = transport.KindTopic
	}
	return transport.Destination{Kind: kind, Name: prefix + stageID}
}

// Processor is one Stage Processor worker slot: it holds an exclusive
// transport.Session lease and repeatedly consumes from its stage's
// destination, bracketing every delivery in the transaction coordinator and
// turning the handler's queued ProcessContext actions into outgoing sends.
//
// A stopCh/sync.Once/sync.WaitGroup run loop drives the consume loop, with
// the pool's ProcessorLease tracking the claimed session, and a crash
// triggering lease.Crashed followed by reacquire-with-backoff.
type Processor struct {
	id         string
	endpointID string
	stage      registry.Stage
	reg        *registry.Registry
	pool       *pool.Pool
	coord      *coordinator.Coordinator
	serializer serialize.Port
	factory    *config.FactoryConfig

	lc      *lifecycle.Log    // optional; nil disables lifecycle event recording
	metrics *metrics.Recorder // optional; nil disables Prometheus recording

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

// SetLifecycleLog attaches an optional lifecycle.Log that the processor
// records start/crash/stop transitions to. Must be called before Start.
func (p *Processor) SetLifecycleLog(lc *lifecycle.Log) { p.lc = lc }

// SetMetrics attaches an optional metrics.Recorder. Must be called before
// Start; a nil Recorder (the default) disables Prometheus recording.
func (p *Processor) SetMetrics(m *metrics.Recorder) { p.metrics = m }

func (p *Processor) record(kind lifecycle.EventKind, detail string) {
	if p.lc != nil {
		p.lc.Record(kind, p.id, detail)
	}
}

// NewProcessor returns a Processor for one worker slot of stage, belonging
// to endpointID, wired against the shared registry/pool/coordinator and the
// factory's serializer and naming configuration.
func NewProcessor(id, endpointID string, st registry.Stage, reg *registry.Registry, p *pool.Pool, coord *coordinator.Coordinator, serializer serialize.Port, factory *config.FactoryConfig) *Processor {
	return &Processor{
		id:         id,
		endpointID: endpointID,
		stage:      st,
		reg:        reg,
		pool:       p,
		coord:      coord,
		serializer: serializer,
		factory:    factory,
		stopCh:     make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once this processor has acquired its first session and
// entered its consume loop.
func (p *Processor) Ready() <-chan struct{} { return p.ready }

// Start begins the processor's consume loop in a goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish. Safe to call
// more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	log := slog.With("processor_id", p.id, "stage_id", p.stage.ID)
	log.Info("stage processor started")

	var lease *pool.ProcessorLease
	attempt := 0
	defer func() {
		if lease != nil {
			_ = lease.Close()
		}
		p.record(lifecycle.EventProcessorStopped, "")
	}()

	for {
		select {
		case <-p.stopCh:
			log.Info("stage processor shutting down")
			return
		case <-ctx.Done():
			return
		default:
		}

		if lease == nil {
			l, err := p.pool.AcquireForProcessor(ctx, attempt)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.Error("acquiring processor session failed", "error", err)
				attempt++
				continue
			}
			lease = l
			attempt = 0
			p.readyOnce.Do(func() {
				close(p.ready)
				p.record(lifecycle.EventProcessorStarted, "")
			})
		}

		dest := Destination(p.factory.MatsDestinationPrefix, p.stage.ID, p.stage.Topic)
		session := lease.Session()
		err := session.Consume(ctx, dest, func(cctx context.Context, msg transport.Message) error {
			return p.handleDelivery(cctx, session, msg)
		})

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Warn("stage session lost; reacquiring", "error", err)
			p.record(lifecycle.EventProcessorCrashed, err.Error())
			p.metrics.SessionCrashed(p.stage.ID)
			lease.Crashed(ctx)
			lease = nil
			attempt++
		}
	}
}

// handleDelivery decodes one inbound envelope, runs the endpoint's
// StageHandler inside the transaction coordinator, and dispatches every
// queued outgoing action as part of the same broker transaction.
func (p *Processor) handleDelivery(ctx context.Context, session transport.Session, msg transport.Message) error {
	if !p.reg.Accepting() {
		return fmt.Errorf("%w: registry not accepting work", flowerr.ErrLifecycle)
	}

	env, err := p.serializer.DeserializeEnvelope(msg.Body, serialize.Meta{Format: msg.Format, Compression: msg.Compression})
	if err != nil {
		return fmt.Errorf("%w: decoding inbound envelope: %v", flowerr.ErrSerialization, err)
	}

	p.metrics.StageStarted(p.stage.ID)
	err = p.coord.Execute(ctx, session, func(cctx context.Context) error {
		pc := newProcessContext(p.serializer, p.stage.ID, p.stage.NextID, env.Trace, env.Body)
		if err := p.stage.Handler(cctx, pc); err != nil {
			return err
		}
		for _, out := range pc.outgoing {
			dest, wireMsg, err := p.buildOutbound(env, out)
			if err != nil {
				return err
			}
			if err := session.Send(cctx, dest, wireMsg); err != nil {
				return fmt.Errorf("%w: %v", flowerr.ErrMessageSend, err)
			}
		}
		return nil
	})
	if err != nil {
		p.metrics.StageRolledBack(p.stage.ID)
		return err
	}
	p.metrics.StageCommitted(p.stage.ID)
	return nil
}

// buildOutbound turns one queued processContext action into a broker
// destination and wire message, re-serializing the envelope it carries.
func (p *Processor) buildOutbound(inbound *trace.Envelope, out outgoing) (transport.Destination, transport.Message, error) {
	dest := Destination(p.factory.MatsDestinationPrefix, out.to, out.kind == outgoingPublish)

	wireEnv := &trace.Envelope{
		TraceID:        out.trace.TraceID,
		Trace:          out.trace,
		Body:           out.body,
		MessageID:      uuid.NewString(),
		SentTimestamp:  time.Now(),
		InitiatingApp:  inbound.InitiatingApp,
		InitiatingHost: inbound.InitiatingHost,
	}
	data, meta, err := p.serializer.SerializeEnvelope(wireEnv)
	if err != nil {
		return transport.Destination{}, transport.Message{}, fmt.Errorf("%w: encoding outgoing envelope: %v", flowerr.ErrSerialization, err)
	}

	call, _ := out.trace.CurrentCall()
	msg := transport.Message{
		Body:             data,
		Format:           meta.Format,
		Compression:      meta.Compression,
		Persistent:       !out.trace.NonPersistent,
		CorrelationID:    call.CorrelationID,
		ReplyDestination: call.ReplyTo,
	}
	if out.trace.Interactive {
		msg.Priority = 9
	}
	return dest, msg, nil
}
