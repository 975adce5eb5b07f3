// Package runtime bundles the process-wide collaborators (logger, config
// provider, sink, publisher) and owns booting/tearing down every
// connection's pollers, dispatcher, virtual slave, and the shared event
// pipeline. Grounded on the teacher's cmd/edgeflow/main.go boot sequence,
// generalized from a fixed node registry into a config-driven connection
// fleet.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/config"
	"github.com/modflux/acquisitiond/internal/connmgr"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/pipeline"
	"github.com/modflux/acquisitiond/internal/poller"
	"github.com/modflux/acquisitiond/internal/rules"
	"github.com/modflux/acquisitiond/internal/slave"
	"go.uber.org/zap"
)

// Runtime is the single process-wide object gluing the config provider,
// connection manager, event pipeline, rule engine, and every connection's
// pollers and virtual slave together.
type Runtime struct {
	Log      *zap.Logger
	Cfg      *config.Provider
	Pipeline *pipeline.Pipeline
	Mgr      *connmgr.Manager
	Rules    *rules.Engine

	mu     sync.Mutex
	slaves map[string]*slave.Slave
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options bundles the adapters that depend on external systems.
type Options struct {
	Sink          pipeline.Sink
	Publisher     pipeline.Publisher
	RuleHandler   rules.Handler
	PipelineDepth int
}

// New builds a Runtime from a loaded configuration snapshot. Connections,
// pollers, and slaves are started by Start, not here, so the caller can
// inspect/validate before committing to network I/O.
func New(log *zap.Logger, cfg *config.Provider, opts Options) *Runtime {
	p := pipeline.New(log, opts.Sink, opts.Publisher, opts.PipelineDepth)

	snapshot := cfg.GetSnapshot()
	mgr := connmgr.New(snapshot.Connections, log)

	r := &Runtime{
		Log:      log,
		Cfg:      cfg,
		Pipeline: p,
		Mgr:      mgr,
		slaves:   make(map[string]*slave.Slave),
	}
	r.Rules = rules.New(log, mgr, opts.RuleHandler)
	p.SetRuleConsumer(r.Rules)
	return r
}

// Start boots the pipeline consumer, every connection's pollers, and
// every connection's virtual slave, then returns. Call Shutdown to stop.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Pipeline.Run(ctx)
	}()

	snapshot := r.Cfg.GetSnapshot()
	for _, connSpec := range snapshot.Connections {
		if err := r.startConnection(ctx, connSpec); err != nil {
			return fmt.Errorf("runtime: starting %s: %w", connSpec.ConnID, err)
		}
	}
	return nil
}

func (r *Runtime) startConnection(ctx context.Context, spec model.ConnectionSpec) error {
	disp := r.Mgr.Dispatcher(spec.ConnID)
	if disp == nil {
		return fmt.Errorf("no dispatcher registered for %s", spec.ConnID)
	}

	sl := slave.New(r.Log.With(zap.String("conn_id", spec.ConnID)))
	port, err := sl.Listen(spec.SlavePort)
	if err != nil {
		return fmt.Errorf("slave listen: %w", err)
	}
	if port > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			sl.Serve(ctx)
		}()
	}
	r.mu.Lock()
	r.slaves[spec.ConnID] = sl
	r.mu.Unlock()

	conn, err := r.Mgr.Ensure(ctx, spec.ConnID)
	if err != nil {
		r.Log.Warn("initial connect failed, will retry lazily on first poll", zap.String("conn_id", spec.ConnID), zap.Error(err))
	}
	_ = conn

	mirror := &mirroringSink{pipeline: r.Pipeline, slave: sl, regType: spec.RegisterType}

	for _, dev := range spec.Devices {
		r.Pipeline.RegisterDevice(spec.ConnID, spec.ByteOrder, spec.RegisterType, dev)

		acq := &poller.Acquirer{
			Conn:    mustConn(r.Mgr, spec.ConnID),
			RegType: spec.RegisterType,
			Blocks:  dev.ReadBlocks,
		}
		pl := &poller.Poller{
			ConnID:          spec.ConnID,
			Device:          dev,
			RegType:         spec.RegisterType,
			Disp:            disp,
			Acquirer:        acq,
			Sink:            mirror,
			Interval:        spec.PollInterval,
			MinPollInterval: spec.MinPollInterval,
			Log:             r.Log,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			pl.Run(ctx)
		}()
	}
	return nil
}

func mustConn(mgr *connmgr.Manager, connID string) *connectionHandle {
	return &connectionHandle{mgr: mgr, connID: connID}
}

// connectionHandle implements poller.Reader by resolving the manager's
// Connection on every call, so a poller started before the first
// successful Ensure still works once the connection opens (or reopens
// after a prior failure discarded the attempt).
type connectionHandle struct {
	mgr    *connmgr.Manager
	connID string
}

func (h *connectionHandle) ReadHolding(ctx context.Context, addr, count uint16) ([]uint16, error) {
	c, err := h.mgr.Ensure(ctx, h.connID)
	if err != nil {
		return nil, err
	}
	return c.ReadHolding(ctx, addr, count)
}

func (h *connectionHandle) ReadInput(ctx context.Context, addr, count uint16) ([]uint16, error) {
	c, err := h.mgr.Ensure(ctx, h.connID)
	if err != nil {
		return nil, err
	}
	return c.ReadInput(ctx, addr, count)
}

func (h *connectionHandle) ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error) {
	c, err := h.mgr.Ensure(ctx, h.connID)
	if err != nil {
		return nil, err
	}
	return c.ReadCoils(ctx, addr, count)
}

func (h *connectionHandle) ReadDiscrete(ctx context.Context, addr, count uint16) ([]bool, error) {
	c, err := h.mgr.Ensure(ctx, h.connID)
	if err != nil {
		return nil, err
	}
	return c.ReadDiscrete(ctx, addr, count)
}

// mirroringSink fans DataAcquired out to the shared pipeline and into the
// connection's virtual slave image, per spec §4.8's update contract.
type mirroringSink struct {
	pipeline *pipeline.Pipeline
	slave    *slave.Slave
	regType  model.RegisterType
}

func (m *mirroringSink) Acquired(ev model.DataAcquired) {
	m.mirror(ev)
	m.pipeline.Acquired(ev)
}

// mirror applies one tick's successfully-read blocks to the slave, one
// whole block per call. table.setRegs/setBits hold the table's lock for
// the full block, so a concurrent client read never observes a block
// that is half old values and half new — only whole blocks ever change,
// per spec §4.8's per-block atomicity guarantee.
func (m *mirroringSink) mirror(ev model.DataAcquired) {
	if m.slave == nil {
		return
	}
	for _, b := range ev.Blocks {
		switch m.regType {
		case model.Holding:
			m.slave.UpdateHolding(b.Start, b.Words)
		case model.Input:
			m.slave.UpdateInput(b.Start, b.Words)
		case model.Coil:
			m.slave.UpdateCoils(b.Start, wordsToBits(b.Words))
		case model.DiscreteInput:
			m.slave.UpdateDiscrete(b.Start, wordsToBits(b.Words))
		}
	}
}

func wordsToBits(words []uint16) []bool {
	out := make([]bool, len(words))
	for i, w := range words {
		out[i] = w != 0
	}
	return out
}

// Shutdown cancels every loop and waits up to timeout for them to exit,
// then abandons, per spec §5.
func (r *Runtime) Shutdown(timeout time.Duration) {
	if r.cancel != nil {
		r.cancel()
	}
	r.Pipeline.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	r.mu.Lock()
	for _, sl := range r.slaves {
		sl.Close()
	}
	r.mu.Unlock()

	shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	r.Mgr.Shutdown(shutCtx)
}
