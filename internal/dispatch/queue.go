// Package dispatch implements the message flow control pipeline: a
// bounded, multi-producer single-consumer Cmd queue, the centralized
// anti-entropy check every inbound message passes through first, and the
// periodic loop that drives AE probes, replication sweeps, dysfunction
// scoring, and peer-link cleanup.
//
// Grounded on the teacher's core/event_management.go (single-owner manager
// processing synchronously, no contention) and core/opcode_dispatcher.go
// (tag-switch dispatch), rendered as a buffered channel plus one consumer
// goroutine — the Go-idiomatic equivalent of "a single task owns the
// queue and processes one Cmd at a time to completion".
package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"stornet/internal/wire"
)

// DefaultCapacity is the nominal "capacity on the order of 100k" §4.3
// specifies.
const DefaultCapacity = 100_000

// Handler processes one Cmd to completion and returns any follow-up Cmds
// it produced (to be enqueued by the caller), matching §4.3's "any child
// Cmds are enqueued" dispatch discipline.
type Handler func(ctx context.Context, cmd wire.Cmd) []wire.Cmd

// Queue is the bounded, FIFO, single-consumer Cmd queue. Pushing from
// multiple goroutines (the transport's accept loop, the periodic loop) is
// safe; only Run's own goroutine ever pulls from it.
type Queue struct {
	ch  chan wire.Cmd
	log *logrus.Entry
}

// NewQueue creates a Queue with the given capacity (0 uses DefaultCapacity).
func NewQueue(capacity int, log *logrus.Entry) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan wire.Cmd, capacity), log: log}
}

// ErrQueueFull is returned by TryPush when the queue is at capacity. The
// inbound path (corenode) logs it and drops that message's stream; the
// transport goes on accepting new streams.
var ErrQueueFull = fmt.Errorf("dispatch: queue full")

// TryPush enqueues cmd without blocking, returning ErrQueueFull if the
// queue is saturated.
func (q *Queue) TryPush(cmd wire.Cmd) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Push enqueues cmd, blocking until space is available or ctx is done.
// Used for locally generated Cmds (e.g. periodic-loop sub-checks) that
// must not be silently dropped.
func (q *Queue) Push(ctx context.Context, cmd wire.Cmd) error {
	select {
	case q.ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of Cmds currently queued, used by the periodic
// loop to wait for the queue to go idle before scheduling its sub-checks
// (§4.3: "waits for the queue to be idle before scheduling its
// sub-checks").
func (q *Queue) Len() int { return len(q.ch) }

// Idle reports whether the queue is currently empty.
func (q *Queue) Idle() bool { return len(q.ch) == 0 }

// Run consumes Cmds FIFO until ctx is done, invoking handler for each and
// re-enqueueing any follow-up Cmds it returns. This is the single task
// that owns the queue; Run must only ever be called once per Queue.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	for {
		select {
		case cmd, ok := <-q.ch:
			if !ok {
				return
			}
			q.process(ctx, handler, cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, handler Handler, cmd wire.Cmd) {
	children := handler(ctx, cmd)
	for _, child := range children {
		child = child.WithParent(cmd.ID)
		if err := q.TryPush(child); err != nil {
			if q.log != nil {
				q.log.WithError(err).WithField("parent_cmd", cmd.ID).Warn("dispatch: dropped child cmd, queue full")
			}
		}
	}
}

// Close stops accepting new Cmds and lets Run drain and exit once the
// channel is empty.
func (q *Queue) Close() { close(q.ch) }
