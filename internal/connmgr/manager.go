// Package connmgr is the registry of configured connections (spec §4.3):
// lazy construction, shared reuse, and coalesced concurrent connects.
// Grounded on the teacher's internal/plugin/manager.go instance registry.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/connection"
	"github.com/modflux/acquisitiond/internal/dispatch"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager holds the conn_id -> ConnectionSpec registry and the lazily
// constructed conn_id -> Connection instances, plus the one Dispatcher
// per connection that every poller, rule, and ad-hoc caller shares.
type Manager struct {
	log *zap.Logger

	mu    sync.RWMutex
	specs map[string]model.ConnectionSpec
	conns map[string]*connection.Connection
	disps map[string]*dispatch.Dispatcher

	group singleflight.Group
}

// New seeds the registry from specs (spec §4.3: "seeded at startup"). A
// Dispatcher is started for every connID up front, independent of whether
// the Connection itself has been opened yet — requests may queue before
// the first Ensure call completes.
func New(specs []model.ConnectionSpec, log *zap.Logger) *Manager {
	m := &Manager{
		log:   log,
		specs: make(map[string]model.ConnectionSpec, len(specs)),
		conns: make(map[string]*connection.Connection, len(specs)),
		disps: make(map[string]*dispatch.Dispatcher, len(specs)),
	}
	for _, s := range specs {
		m.specs[s.ConnID] = s
		m.disps[s.ConnID] = dispatch.New()
	}
	return m
}

// Dispatcher returns connID's shared Dispatcher, or nil if connID is not
// registered.
func (m *Manager) Dispatcher(connID string) *dispatch.Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disps[connID]
}

func newTransportFor(spec model.ConnectionSpec) func() transport.Transport {
	return func() transport.Transport {
		if spec.Kind == model.TransportRTU {
			return transport.NewRTU(spec.RTU.SerialPort, spec.RTU.Baud, spec.RTU.DataBits, spec.RTU.Parity, spec.RTU.StopBits, spec.Timeout)
		}
		return transport.NewTCP(spec.TCP.Host, spec.TCP.Port, spec.Timeout)
	}
}

// Ensure returns the open (or opening) Connection for connID, lazily
// constructing it on first use. Concurrent callers for the same connID are
// coalesced onto a single in-flight construction via singleflight, so at
// most one connect attempt runs at a time (spec §4.3). On failure the
// partially built Connection is discarded so the next call starts fresh.
func (m *Manager) Ensure(ctx context.Context, connID string) (*connection.Connection, error) {
	m.mu.RLock()
	if c, ok := m.conns[connID]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	spec, ok := m.specs[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connmgr: unknown connection %q", connID)
	}

	v, err, _ := m.group.Do(connID, func() (interface{}, error) {
		m.mu.RLock()
		if c, ok := m.conns[connID]; ok {
			m.mu.RUnlock()
			return c, nil
		}
		m.mu.RUnlock()

		c := connection.New(spec, m.log.With(zap.String("conn_id", connID)), newTransportFor(spec))
		if err := c.Open(ctx); err != nil {
			// spec §4.3: ensure's failure is returned to the caller and
			// the instance is discarded so the next call retries fresh.
			return nil, err
		}

		m.mu.Lock()
		m.conns[connID] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection.Connection), nil
}

// Close is idempotent; it tears down connID's Connection if one exists.
func (m *Manager) Close(connID string) error {
	m.mu.Lock()
	c, ok := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Shutdown closes every connection, stops every dispatcher, and awaits
// termination.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*connection.Connection, 0, len(m.conns))
	for id, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, id)
	}
	for _, d := range m.disps {
		d.Stop()
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *connection.Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
	}
}
