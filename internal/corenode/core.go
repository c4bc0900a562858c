// Package corenode wires every subsystem together into one running node:
// storage, network knowledge, fault detection, membership/DKG/handover,
// the dispatch queue and periodic loop, the QUIC transport, and the
// metrics collector, constructed in the dependency order §2 specifies
// (storage -> network knowledge -> fault detection -> membership/DKG/
// handover -> message flow control -> data replication).
//
// Grounded on the teacher's core/base_node.go / core/node.go constructor-
// and-adapter shape: a thin struct holding every collaborator, built once
// in a single constructor and handed a logger rather than reaching for a
// package-global.
package corenode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stornet/internal/blskeys"
	"stornet/internal/comm"
	"stornet/internal/dispatch"
	"stornet/internal/faultdetect"
	"stornet/internal/handover"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/membership"
	"stornet/internal/metrics"
	"stornet/internal/replication"
	"stornet/internal/storage"
	"stornet/internal/wire"
)

// Config collects the operator-facing settings needed to construct a Core,
// mirroring the subset of the teacher's AppConfig relevant to this domain
// (network address, storage path/limits, metrics endpoint) but passed
// explicitly rather than read from a package global, per §0's ambient-stack
// decision.
type Config struct {
	ListenAddress    string
	StorageDir       string
	MaxCapacityBytes uint64
	StorageKey       *[32]byte // optional at-rest chunk encryption key
	QueueCapacity    int
	MetricsAddress   string // empty disables the metrics HTTP endpoint
	SectionTreePath  string // empty disables section tree persistence
}

// Core owns every collaborator for one running node.
type Core struct {
	cfg Config
	log *logrus.Entry
	id  identity.NodeIdentity

	store     *storage.DiskStore
	knowledge *knowledge.NetworkKnowledge
	faults    *faultdetect.Detector
	repl      *replication.Coordinator

	queue    *dispatch.Queue
	dctx     *dispatch.Context
	periodic *dispatch.PeriodicLoop

	transport *comm.Transport
	collector *metrics.Collector
	metricsrv interface{ Shutdown(ctx context.Context) error }

	mu            sync.Mutex
	membershipRnd *membership.Round
	membershipGen uint64
	keyShare      *blskeys.SecretKeyShare
}

// New constructs a Core bootstrapped from genesisSAP (the section's
// already-agreed genesis SectionAuthorityProvider, signed by the group
// key) and starts its transport, dispatch queue, and periodic loop. The
// caller shuts it down via Close once ctx is cancelled.
func New(ctx context.Context, cfg Config, id identity.NodeIdentity, genesisSAP knowledge.SectionSigned[knowledge.SectionAuthorityProvider], log *logrus.Entry) (*Core, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("corenode: open storage: %w", err)
	}

	nk, err := bootstrapKnowledge(cfg, genesisSAP, log)
	if err != nil {
		return nil, fmt.Errorf("corenode: bootstrap knowledge: %w", err)
	}

	faults := faultdetect.NewDetector()

	c := &Core{
		cfg:       cfg,
		log:       log,
		id:        id,
		store:     store,
		knowledge: nk,
		faults:    faults,
	}

	sender := transportSender{c: c}
	c.repl = replication.New(sender, faults)

	c.dctx = &dispatch.Context{
		Us:          id.AsPeer(),
		Knowledge:   nk,
		Store:       store,
		Faults:      faults,
		Replication: c.repl,
		ProbeDedup:  dispatch.NewProbeDedup(0),
		Self:        c,
		Rounds:      c,
	}
	c.queue = dispatch.NewQueue(cfg.QueueCapacity, log)

	transport, err := comm.New(ctx, id, cfg.ListenAddress, c.handleInbound, log)
	if err != nil {
		return nil, fmt.Errorf("corenode: start transport: %w", err)
	}
	c.transport = transport

	if cfg.MetricsAddress != "" {
		c.collector = metrics.New(log)
		srv := c.collector.Serve(cfg.MetricsAddress)
		c.metricsrv = srv
		go c.collector.Run(ctx, 15*time.Second)
	}

	c.periodic = dispatch.NewPeriodicLoop(c.queue, log, c.subChecks()...)

	go c.queue.Run(ctx, c.handleCmd)
	go c.periodic.Run(ctx)

	return c, nil
}

// bootstrapKnowledge loads a previously persisted section tree from
// cfg.SectionTreePath if one exists and is readable, otherwise starts fresh
// from genesisSAP, per §4.1's "read the section tree on startup; if
// corrupted or missing, bootstrap from a seed SAP" rule. Any load error —
// missing file or a decode failure — is treated the same way: log and fall
// back to the seed, since a broken snapshot must never block startup.
func bootstrapKnowledge(cfg Config, genesisSAP knowledge.SectionSigned[knowledge.SectionAuthorityProvider], log *logrus.Entry) (*knowledge.NetworkKnowledge, error) {
	if cfg.SectionTreePath == "" {
		return knowledge.New(genesisSAP)
	}
	tree, err := knowledge.LoadTree(cfg.SectionTreePath)
	if err != nil {
		log.WithError(err).Info("corenode: no usable persisted section tree, bootstrapping from seed")
		return knowledge.New(genesisSAP)
	}
	nk, err := knowledge.Bootstrap(tree, genesisSAP)
	if err != nil {
		log.WithError(err).Warn("corenode: persisted section tree rejected, bootstrapping from seed")
		return knowledge.New(genesisSAP)
	}
	return nk, nil
}

func openStore(cfg Config) (*storage.DiskStore, error) {
	if cfg.StorageKey != nil {
		return storage.OpenEncrypted(cfg.StorageDir, cfg.MaxCapacityBytes, *cfg.StorageKey)
	}
	return storage.Open(cfg.StorageDir, cfg.MaxCapacityBytes)
}

// Close persists the section tree one last time, then shuts the transport
// and, if running, the metrics server down.
func (c *Core) Close() error {
	if c.cfg.SectionTreePath != "" {
		if saveErr := knowledge.SaveTree(c.knowledge.Tree(), c.cfg.SectionTreePath); saveErr != nil {
			c.log.WithError(saveErr).Warn("corenode: final section tree persist failed")
		}
	}
	var err error
	if c.transport != nil {
		err = c.transport.Close()
	}
	if c.metricsrv != nil {
		_ = c.metricsrv.Shutdown(context.Background())
	}
	return err
}

// Identity returns this node's own peer handle.
func (c *Core) Identity() identity.Peer { return c.id.AsPeer() }

// handleInbound is the comm.Handler bridging QUIC streams into the
// dispatch pipeline. The inbound stream stays open under token: the Cmd
// this enqueues carries it along, and whatever reply the handler's Context
// eventually produces travels back as a CmdUpdateCaller, writing the
// response onto this same stream instead of dialing the peer back
// independently (a peer that only dialed in, like a joining candidate, may
// have no reachable listening address at all).
func (c *Core) handleInbound(_ context.Context, from identity.Peer, msg wire.WireMsg, token wire.StreamToken) (wire.WireMsg, bool) {
	cmd := wire.HandleMsg(msg, from)
	cmd.Stream = token
	if err := c.queue.TryPush(cmd); err != nil {
		c.log.WithError(err).WithField("from", from.Address).Warn("corenode: dropped inbound message, queue full")
		c.transport.DropStream(token)
	}
	return wire.WireMsg{}, false
}

// handleCmd is the dispatch.Handler driving the single consumer goroutine:
// it delegates subsystem logic to dctx.Handle, then actually executes any
// outbound-send or same-stream-reply Cmds the handler produced, off the
// consumer goroutine so a slow peer never stalls queue processing.
func (c *Core) handleCmd(ctx context.Context, cmd wire.Cmd) []wire.Cmd {
	children := c.dctx.Handle(ctx, cmd)

	switch cmd.Kind {
	case wire.CmdSendMsg, wire.CmdSendMsgAndAwaitResponse:
		c.dispatchSend(ctx, cmd)
	case wire.CmdUpdateCaller:
		if cmd.Msg != nil {
			if err := c.transport.WriteResponse(cmd.Stream, *cmd.Msg); err != nil {
				c.log.WithError(err).Debug("corenode: write same-stream response failed")
			}
		}
	case wire.CmdHandleMembershipDecision:
		if d, ok := cmd.Payload.(membership.Decision); ok {
			c.applyMembershipDecision(d)
		}
	case wire.CmdHandleDkgOutcome:
		if share, ok := cmd.Payload.(blskeys.SecretKeyShare); ok {
			c.applyDkgOutcome(share)
		}
	case wire.CmdHandleNewSectionsAgreement:
		if infos, ok := cmd.Payload.([]handover.SectionInfo); ok {
			c.applyNewSectionsAgreement(infos)
		}
	}

	// A HandleMsg Cmd that produced no same-stream reply (fire-and-forget
	// gossip like ReplicateData, or an AEDrop) leaves its inbound stream
	// open for nothing; drop it now instead of making the sender wait out
	// comm's streamReplyTimeout.
	if cmd.Kind == wire.CmdHandleMsg && cmd.Stream != 0 && !repliesOnStream(children, cmd.Stream) {
		c.transport.DropStream(cmd.Stream)
	}

	if c.collector != nil {
		c.collector.SetQueueDepth(c.queue.Len())
	}
	return children
}

func repliesOnStream(children []wire.Cmd, stream wire.StreamToken) bool {
	for _, child := range children {
		if child.Kind == wire.CmdUpdateCaller && child.Stream == stream {
			return true
		}
	}
	return false
}

func (c *Core) dispatchSend(ctx context.Context, cmd wire.Cmd) {
	if cmd.Msg == nil {
		return
	}
	for _, recipient := range cmd.Recipients {
		go func(to identity.Peer) {
			sendCtx, cancel := context.WithTimeout(ctx, replication.DefaultForwardTimeout)
			defer cancel()
			if _, err := c.transport.Send(sendCtx, to, *cmd.Msg); err != nil {
				c.log.WithError(err).WithField("to", to.Address).Debug("corenode: send failed")
				c.faults.TrackIssue(to.Name, faultdetect.Communication)
			}
		}(recipient)
	}
}

// transportSender adapts Core's transport to replication.Sender, so
// package replication never depends on package comm directly.
type transportSender struct{ c *Core }

func (s transportSender) Send(ctx context.Context, peer identity.Peer, msg wire.WireMsg) (wire.WireMsg, error) {
	return s.c.transport.Send(ctx, peer, msg)
}
