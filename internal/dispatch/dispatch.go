// Package dispatch implements the per-connection priority request queue of
// spec §4.4: a single consumer serializes reads and writes onto a
// connection, dispatched by (-priority, submit_seq) ordering so higher
// priority numbers run first and ties break FIFO.
//
// Grounded on the teacher's internal/engine/scheduler.go (one goroutine
// owning a connection's work), generalized from cron-triggered flows to a
// priority heap fed by arbitrary producers.
package dispatch

import (
	"container/heap"
	"context"
	"sync"
)

// Default priorities per spec §4.4.
const (
	PriorityWrite      = 10
	PriorityOnDemand   = 2
	PriorityBackground = 1
)

// Kind distinguishes a read from a write request; the dispatcher treats
// both identically, it is opaque routing for the caller's op func.
type Kind int

const (
	Read Kind = iota
	Write
)

// Request is one unit of work submitted to a connection's Dispatcher.
type Request struct {
	Kind     Kind
	Priority int
	Op       func(ctx context.Context) (interface{}, error)

	ctx      context.Context
	seq      uint64
	response chan result
}

type result struct {
	val interface{}
	err error
}

// item is the heap element: a Request plus its queue-ordering key.
type item struct {
	req *Request
	idx int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority > pq[j].req.Priority // larger priority first
	}
	return pq[i].req.seq < pq[j].req.seq // FIFO tie-break
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].idx, pq[j].idx = i, j
}
func (pq *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.idx = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// Dispatcher serializes all requests submitted for one connection: at most
// one request is in-flight on the connection at any time (spec §4.4,
// §8 quantified invariant).
type Dispatcher struct {
	mu      sync.Mutex
	pq      priorityQueue
	notify  chan struct{}
	nextSeq uint64

	done chan struct{}
}

// New starts a Dispatcher's consumer goroutine. Call Stop to shut it down.
func New() *Dispatcher {
	d := &Dispatcher{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	heap.Init(&d.pq)
	go d.run()
	return d
}

// Submit enqueues req and blocks until it is dispatched (and completes) or
// ctx is cancelled. If ctx is cancelled before the request starts running,
// it is skipped without touching the transport.
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (interface{}, error) {
	req.ctx = ctx
	req.response = make(chan result, 1)

	d.mu.Lock()
	d.nextSeq++
	req.seq = d.nextSeq
	heap.Push(&d.pq, &item{req: req})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}

	select {
	case r := <-req.response:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop halts the consumer goroutine. Queued requests are abandoned.
func (d *Dispatcher) Stop() {
	close(d.done)
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		var req *Request
		if d.pq.Len() > 0 {
			req = heap.Pop(&d.pq).(*item).req
		}
		d.mu.Unlock()

		if req == nil {
			select {
			case <-d.notify:
				continue
			case <-d.done:
				return
			}
		}

		select {
		case <-req.ctx.Done():
			// Cancelled before it started: skip without touching the
			// transport, per spec §4.4.
			select {
			case req.response <- result{err: req.ctx.Err()}:
			default:
			}
			continue
		default:
		}

		val, err := req.Op(req.ctx)
		select {
		case req.response <- result{val: val, err: err}:
		default:
		}

		select {
		case <-d.done:
			return
		default:
		}
	}
}
