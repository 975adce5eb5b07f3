// Package poller schedules per-device acquisition ticks onto a
// connection's dispatcher, per spec §4.5: periodic (ticker, coalescing
// late ticks), continuous (tight loop with failure-counting backoff), and
// on_demand (passive — driven entirely by the rule engine).
//
// Grounded on the teacher's internal/engine/scheduler.go goroutine-per-
// trigger idiom, generalized from cron expressions to the three poll
// modes of spec §4.5.
package poller

import (
	"context"
	"time"

	"github.com/modflux/acquisitiond/internal/dispatch"
	"github.com/modflux/acquisitiond/internal/model"
	"go.uber.org/zap"
)

const (
	initialSkew         = 100 * time.Millisecond
	readTimeout         = 10 * time.Second
	continuousBackoffAt = 10
	continuousBackoff   = 5 * time.Second
)

// Sink receives one tick's merged register image. The poller does not
// itself parse or detect changes; it hands the raw image downstream
// (spec §4.6 begins at the pipeline's next stage).
type Sink interface {
	Acquired(model.DataAcquired)
}

// Poller drives ticks for one device on one connection.
type Poller struct {
	ConnID   string
	Device   model.DeviceSpec
	RegType  model.RegisterType
	Disp     *dispatch.Dispatcher
	Acquirer *Acquirer
	Sink     Sink
	Interval time.Duration

	// MinPollInterval is the pause a continuous-mode poller takes after
	// every successful read, before submitting the next one (spec §4.5).
	// Zero means no pause. Ignored by periodic/on_demand modes.
	MinPollInterval time.Duration

	Log *zap.Logger

	consecutiveFailures int
}

// Run blocks until ctx is cancelled, scheduling ticks per the device's
// poll mode. on_demand devices return immediately: they have nothing to
// schedule, the rule engine issues reads directly through Disp.
func (p *Poller) Run(ctx context.Context) {
	switch p.Device.PollMode {
	case model.Periodic:
		p.runPeriodic(ctx)
	case model.Continuous:
		p.runContinuous(ctx)
	case model.OnDemand:
		// Passive: nothing to schedule.
	}
}

func (p *Poller) runPeriodic(ctx context.Context) {
	select {
	case <-time.After(initialSkew):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	busy := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if busy {
				// Coalesce: drop this tick rather than queue a second tick
				// behind an in-flight one, per spec §4.5.
				continue
			}
			busy = true
			go func() {
				p.tick(ctx)
				busy = false
			}()
		}
	}
}

func (p *Poller) runContinuous(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok := p.tick(ctx)

		var wait time.Duration
		if ok {
			p.consecutiveFailures = 0
			wait = p.MinPollInterval
		} else {
			p.consecutiveFailures++
			wait = 1 * time.Second
			if p.consecutiveFailures >= continuousBackoffAt {
				wait = continuousBackoff
			}
		}

		if wait <= 0 {
			continue
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one acquisition cycle through the dispatcher and reports it to
// the sink. It returns whether every block succeeded.
func (p *Poller) tick(ctx context.Context) bool {
	tctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var results []BlockResult
	_, err := p.Disp.Submit(tctx, &dispatch.Request{
		Kind:     dispatch.Read,
		Priority: dispatch.PriorityBackground,
		Op: func(opCtx context.Context) (interface{}, error) {
			results = p.Acquirer.AcquireBlocks(opCtx)
			return nil, nil
		},
	})
	if err != nil {
		if p.Log != nil {
			p.Log.Warn("poll tick dispatch failed",
				zap.String("conn_id", p.ConnID), zap.String("device_id", p.Device.DeviceID), zap.Error(err))
		}
		return false
	}

	img, blocks, failed := Merge(results)
	ok := len(failed) == 0
	if !ok && p.Log != nil {
		p.Log.Debug("poll tick had failed blocks",
			zap.String("conn_id", p.ConnID), zap.String("device_id", p.Device.DeviceID), zap.Int("failed_blocks", len(failed)))
	}

	p.Sink.Acquired(model.DataAcquired{
		ConnID:   p.ConnID,
		DeviceID: p.Device.DeviceID,
		Image:    img,
		Blocks:   blocks,
		Ts:       time.Now(),
	})
	return ok
}
