package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stornet/internal/wire"
)

// Periodic sub-check intervals, per §4.3's "Periodic loop" nominal values.
const (
	AEProbeInterval            = 5 * time.Minute
	DataReplicationCheckPeriod = 20 * time.Second
	DysfunctionScoringPeriod   = 30 * time.Second
	PeerLinkCleanupPeriod      = 5 * time.Minute
	HealthCheckPeriod          = 20 * time.Second
	SectionTreePersistPeriod   = time.Minute
	// FaultHistoryRecoveryPeriod paces forgetting fault-detector history
	// for elders whose dysfunction score has dropped below zero (under
	// their cohort's mean plus one standard deviation), kept on its own named interval distinct from
	// PeerLinkCleanupPeriod now that the two concerns (connection-pool
	// membership hygiene vs. fault-score forgiveness) are separate checks.
	FaultHistoryRecoveryPeriod = 5 * time.Minute
)

// SubCheck is one periodic task; it returns the Cmds it wants enqueued.
type SubCheck struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) []wire.Cmd
}

// PeriodicLoop runs a fixed set of SubChecks on their own intervals,
// waiting for the dispatch Queue to be idle before each firing so
// sub-checks never compete with live message handling (§4.3).
type PeriodicLoop struct {
	queue  *Queue
	checks []SubCheck
	log    *logrus.Entry
}

// NewPeriodicLoop builds a PeriodicLoop over queue with the given checks.
func NewPeriodicLoop(queue *Queue, log *logrus.Entry, checks ...SubCheck) *PeriodicLoop {
	return &PeriodicLoop{queue: queue, checks: checks, log: log}
}

// Run starts one ticker goroutine per sub-check and blocks until ctx is
// done.
func (p *PeriodicLoop) Run(ctx context.Context) {
	for _, c := range p.checks {
		go p.runCheck(ctx, c)
	}
	<-ctx.Done()
}

func (p *PeriodicLoop) runCheck(ctx context.Context, c SubCheck) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.waitIdle(ctx)
			cmds := c.Run(ctx)
			for _, cmd := range cmds {
				if err := p.queue.Push(ctx, cmd); err != nil {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *PeriodicLoop) waitIdle(ctx context.Context) {
	for !p.queue.Idle() {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}
