package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modflux/acquisitiond/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu  sync.Mutex
	got []model.DataParsed
}

func (s *fakeSink) Write(ctx context.Context, ev model.DataParsed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	changed []model.ParamChanged
	batches []model.DataParsed
}

func (p *fakePublisher) Publish(ctx context.Context, ev model.ParamChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, ev)
	return nil
}

func (p *fakePublisher) PublishBatch(ctx context.Context, ev model.DataParsed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, ev)
	return nil
}

func devWithParam() model.DeviceSpec {
	return model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{Code: "p1", DataType: model.TypeUint16, Addresses: []uint16{0}, OnChange: true},
		},
	}
}

func imgVal(v uint16) model.RegisterImage {
	img := model.NewRegisterImage()
	img.Words[0] = v
	return img
}

func TestPipeline_EmitsChangedOnSecondDifferentSample(t *testing.T) {
	sink := &fakeSink{}
	pub := &fakePublisher{}
	p := New(nil, sink, pub, 8)
	p.RegisterDevice("c1", model.ABCD, model.Holding, devWithParam())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer cancel()

	p.Acquired(model.DataAcquired{ConnID: "c1", DeviceID: "d1", Image: imgVal(5), Ts: time.Now()})
	time.Sleep(20 * time.Millisecond)
	p.Acquired(model.DataAcquired{ConnID: "c1", DeviceID: "d1", Image: imgVal(9), Ts: time.Now()})
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.changed, 1)
	assert.EqualValues(t, 5, pub.changed[0].Old)
	assert.EqualValues(t, 9, pub.changed[0].New)
	assert.Len(t, pub.batches, 2) // every tick publishes a batch regardless of change

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, 2) // every tick is written regardless of change
}

func TestPipeline_AcquiredBlocksWhenFull(t *testing.T) {
	p := New(nil, &fakeSink{}, &fakePublisher{}, 1)
	p.RegisterDevice("c1", model.ABCD, model.Holding, devWithParam())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Block the connection's worker goroutine on a Write that never
	// returns, so the channel fills behind it and the next Acquired call
	// has to wait on a full channel rather than a drained one.
	blockSink := &blockingSink{entered: make(chan struct{}), unblock: make(chan struct{})}
	p.sink = blockSink

	p.Acquired(model.DataAcquired{ConnID: "c1", DeviceID: "d1", Image: imgVal(1), Ts: time.Now()})
	<-blockSink.entered
	p.Acquired(model.DataAcquired{ConnID: "c1", DeviceID: "d1", Image: imgVal(2), Ts: time.Now()})

	unblocked := make(chan struct{})
	go func() {
		p.Acquired(model.DataAcquired{ConnID: "c1", DeviceID: "d1", Image: imgVal(3), Ts: time.Now()})
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Acquired should have blocked on a full channel")
	case <-time.After(30 * time.Millisecond):
	}

	close(blockSink.unblock)
	p.Stop()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Stop should unblock a pending Acquired send")
	}
}

type blockingSink struct {
	once    sync.Once
	entered chan struct{}
	unblock chan struct{}
}

func (s *blockingSink) Write(ctx context.Context, ev model.DataParsed) error {
	s.once.Do(func() { close(s.entered) })
	<-s.unblock
	return nil
}

func TestPipeline_UnregisteredDeviceIsSkippedNotFatal(t *testing.T) {
	sink := &fakeSink{}
	p := New(nil, sink, &fakePublisher{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer cancel()

	p.Acquired(model.DataAcquired{ConnID: "unknown", DeviceID: "d1", Image: imgVal(1), Ts: time.Now()})
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.got)
}

func TestPipeline_SlowConnectionDoesNotBlockAnother(t *testing.T) {
	sink := &fakeSink{}
	p := New(nil, sink, &fakePublisher{}, 1)
	p.RegisterDevice("slow", model.ABCD, model.Holding, devWithParam())
	p.RegisterDevice("fast", model.ABCD, model.Holding, devWithParam())

	blockSink := &blockingSink{unblock: make(chan struct{})}
	p.sink = &dispatchingSink{fast: sink, slow: blockSink}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	blockSink.entered = make(chan struct{})
	p.Acquired(model.DataAcquired{ConnID: "slow", DeviceID: "d1", Image: imgVal(1), Ts: time.Now()})
	<-blockSink.entered

	p.Acquired(model.DataAcquired{ConnID: "fast", DeviceID: "d1", Image: imgVal(2), Ts: time.Now()})

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.got) == 1
	}, time.Second, 5*time.Millisecond, "fast connection's write should complete while slow connection is still blocked")

	close(blockSink.unblock)
}

type dispatchingSink struct {
	fast *fakeSink
	slow *blockingSink
}

func (s *dispatchingSink) Write(ctx context.Context, ev model.DataParsed) error {
	if ev.ConnID == "slow" {
		return s.slow.Write(ctx, ev)
	}
	return s.fast.Write(ctx, ev)
}
