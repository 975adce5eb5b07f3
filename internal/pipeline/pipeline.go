// Package pipeline wires the three event topics of spec §4.9 — Acquired,
// Parsed, Changed — between the pollers, the parser, the change tracker,
// and the outbound sinks. Each connection gets its own Acquired-topic
// worker goroutine, so a sink write or broker publish stalled on one
// connection applies backpressure only to that connection's own poller,
// never to any other connection sharing the process.
//
// Grounded on the teacher's internal/engine flow event bus (bounded
// channel per topic), generalized from one shared consumer goroutine into
// one per connection to keep per-connection backpressure localized.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/changetracker"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/parser"
	"go.uber.org/zap"
)

// Sink persists or forwards one tick's parsed samples (e.g. to a
// time-series database). See spec §4.8.
type Sink interface {
	Write(ctx context.Context, ev model.DataParsed) error
}

// Publisher forwards events to an external broker: PublishBatch carries
// every tick's parsed samples to the data topic, Publish carries one
// ParamChanged event to the changes topic. See spec §4.8/§6.
type Publisher interface {
	Publish(ctx context.Context, ev model.ParamChanged) error
	PublishBatch(ctx context.Context, ev model.DataParsed) error
}

// RuleConsumer receives every ParamChanged event at-least-once, per spec
// §4.9. Debounce and dispatch to rule handlers is the consumer's concern
// (see internal/rules.Engine); the pipeline only guarantees delivery.
type RuleConsumer interface {
	HandleChanged(ev model.ParamChanged)
}

// DeviceRoute describes one connection/device's static routing context
// needed to parse an acquired image; the pipeline keeps one per (conn,
// device).
type DeviceRoute struct {
	ByteOrder model.ByteOrder
	RegType   model.RegisterType
	Device    model.DeviceSpec
}

// connWorker is one connection's independent Acquired-topic consumer: its
// own buffered channel and its own goroutine draining it, so a downstream
// stall on this connection cannot starve any other connection's worker.
type connWorker struct {
	acquired chan model.DataAcquired
}

// Pipeline turns DataAcquired events into DataParsed and ParamChanged
// events and fans those out to Sink/Publisher. Exactly one Pipeline exists
// per process; every poller and rule-engine write shares it, but each
// connection gets its own internal worker.
type Pipeline struct {
	log    *zap.Logger
	sink   Sink
	pub    Publisher
	rules  RuleConsumer
	tr     *changetracker.Tracker
	routes map[string]DeviceRoute // key: connID+"/"+deviceID

	capacity int
	ready    chan struct{}
	ctx      context.Context

	mu      sync.Mutex
	workers map[string]*connWorker // key: connID

	done chan struct{}
}

// SetRuleConsumer wires the rule engine into the ParamChanged fan-out.
// Must be called before Run starts consuming, typically right after both
// the Pipeline and the rule engine are constructed.
func (p *Pipeline) SetRuleConsumer(rc RuleConsumer) { p.rules = rc }

// Default channel capacity per connection's Acquired topic (spec §4.9:
// bounded, backpressure propagates rather than drops).
const defaultCapacity = 256

func New(log *zap.Logger, sink Sink, pub Publisher, capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Pipeline{
		log:      log,
		sink:     sink,
		pub:      pub,
		tr:       changetracker.New(),
		routes:   make(map[string]DeviceRoute),
		capacity: capacity,
		ready:    make(chan struct{}),
		workers:  make(map[string]*connWorker),
		done:     make(chan struct{}),
	}
}

func routeKey(connID, deviceID string) string { return connID + "/" + deviceID }

// RegisterDevice tells the pipeline how to parse images for (connID,
// device). Must be called before any Acquired event for that pair arrives.
func (p *Pipeline) RegisterDevice(connID string, byteOrder model.ByteOrder, regType model.RegisterType, dev model.DeviceSpec) {
	p.routes[routeKey(connID, dev.DeviceID)] = DeviceRoute{ByteOrder: byteOrder, RegType: regType, Device: dev}
}

// Acquired implements poller.Sink: it is the entry point pollers call with
// one tick's raw image. It blocks if connID's own Acquired topic is full,
// which is the pipeline's backpressure point — a poller blocked here skips
// its next tick per its own scheduling policy. Other connections' workers
// are unaffected.
func (p *Pipeline) Acquired(ev model.DataAcquired) {
	w := p.workerFor(ev.ConnID)
	select {
	case w.acquired <- ev:
	case <-p.done:
	}
}

// workerFor returns connID's worker, starting it lazily on first use. It
// waits for Run to have recorded its context, so a poller started before
// Run observes a working pipeline rather than a nil context.
func (p *Pipeline) workerFor(connID string) *connWorker {
	<-p.ready

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[connID]; ok {
		return w
	}
	w := &connWorker{acquired: make(chan model.DataAcquired, p.capacity)}
	p.workers[connID] = w
	go p.runWorker(connID, w)
	return w
}

func (p *Pipeline) runWorker(connID string, w *connWorker) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.done:
			return
		case ev := <-w.acquired:
			p.handle(p.ctx, ev)
		}
	}
}

// Run records ctx so newly-created connection workers can use it, then
// blocks until ctx is cancelled or Stop is called. Per-connection workers
// are started lazily by Acquired, not by Run.
func (p *Pipeline) Run(ctx context.Context) {
	p.ctx = ctx
	close(p.ready)
	select {
	case <-ctx.Done():
	case <-p.done:
	}
}

// Stop unblocks every worker and any producer waiting on a full Acquired
// topic.
func (p *Pipeline) Stop() {
	close(p.done)
}

func (p *Pipeline) handle(ctx context.Context, ev model.DataAcquired) {
	route, ok := p.routes[routeKey(ev.ConnID, ev.DeviceID)]
	if !ok {
		if p.log != nil {
			p.log.Warn("acquired event for unregistered device", zap.String("conn_id", ev.ConnID), zap.String("device_id", ev.DeviceID))
		}
		return
	}

	results := parser.Parse(ev.ConnID, route.Device, route.ByteOrder, route.RegType, ev.Image, ev.Ts)

	samples := make([]model.ParameterSample, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			if p.log != nil {
				p.log.Debug("parameter skipped for tick", zap.Error(r.Err))
			}
			continue
		}
		samples = append(samples, r.Sample)

		if changed, ok := p.tr.Observe(r.Sample); ok {
			p.publishChanged(ctx, changed)
		}
	}

	if len(samples) == 0 {
		return
	}

	parsed := model.DataParsed{ConnID: ev.ConnID, DeviceID: ev.DeviceID, Samples: samples, Ts: ev.Ts}
	if p.sink != nil {
		if err := p.sink.Write(ctx, parsed); err != nil && p.log != nil {
			p.log.Warn("sink write failed", zap.Error(err))
		}
	}
	p.publishBatch(ctx, parsed)
}

func (p *Pipeline) publishChanged(ctx context.Context, ev model.ParamChanged) {
	if p.rules != nil {
		p.rules.HandleChanged(ev)
	}
	if p.pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.pub.Publish(pctx, ev); err != nil && p.log != nil {
		p.log.Warn("broker publish failed", zap.String("fingerprint", ev.Fingerprint()), zap.Error(err))
	}
}

func (p *Pipeline) publishBatch(ctx context.Context, ev model.DataParsed) {
	if p.pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.pub.PublishBatch(pctx, ev); err != nil && p.log != nil {
		p.log.Warn("broker batch publish failed", zap.String("conn_id", ev.ConnID), zap.String("device_id", ev.DeviceID), zap.Error(err))
	}
}
