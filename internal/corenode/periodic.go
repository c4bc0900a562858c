package corenode

import (
	"context"

	"stornet/internal/blskeys"
	"stornet/internal/dispatch"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/membership"
	"stornet/internal/replication"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// SetKeyShare installs the section BLS secret-key share this elder holds,
// once DKG (or this node's resource-proofed join) has supplied one; vote
// signing in the dysfunction sub-check is skipped until a share is set.
func (c *Core) SetKeyShare(share blskeys.SecretKeyShare) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyShare = &share
}

// CurrentKeyShare implements dispatch.KeyShareSource, giving the join-
// admission and dysfunction-scoring paths read access to whatever signing
// share SetKeyShare last installed, or nil before one is ever set.
func (c *Core) CurrentKeyShare() *blskeys.SecretKeyShare {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyShare
}

// SetMembershipRound installs the in-flight BFT round for generation gen,
// so the dysfunction sub-check has somewhere to cast a Leave vote. Nothing
// in this module calls it; rounds opened through RoundFor are installed by
// RoundFor itself.
func (c *Core) SetMembershipRound(gen uint64, round *membership.Round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membershipGen = gen
	c.membershipRnd = round
}

// subChecks builds the seven periodic sub-checks, each wired to the
// collaborators Core owns.
func (c *Core) subChecks() []dispatch.SubCheck {
	return []dispatch.SubCheck{
		{Name: "ae_probe", Interval: dispatch.AEProbeInterval, Run: c.aeProbeCheck},
		{Name: "data_replication", Interval: dispatch.DataReplicationCheckPeriod, Run: c.dataReplicationCheck},
		{Name: "dysfunction_scoring", Interval: dispatch.DysfunctionScoringPeriod, Run: c.dysfunctionScoringCheck},
		{Name: "peer_link_cleanup", Interval: dispatch.PeerLinkCleanupPeriod, Run: c.peerLinkCleanupCheck},
		{Name: "fault_history_recovery", Interval: dispatch.FaultHistoryRecoveryPeriod, Run: c.faultHistoryRecoveryCheck},
		{Name: "health_check", Interval: dispatch.HealthCheckPeriod, Run: c.healthCheck},
		{Name: "section_tree_persist", Interval: dispatch.SectionTreePersistPeriod, Run: c.sectionTreePersistCheck},
	}
}

// sectionTreePersistCheck mirrors the section tree to disk so a restart can
// rejoin the network it already knew about instead of bootstrapping from
// scratch every time. A no-op when SectionTreePath wasn't configured.
func (c *Core) sectionTreePersistCheck(_ context.Context) []wire.Cmd {
	if c.cfg.SectionTreePath == "" {
		return nil
	}
	if err := knowledge.SaveTree(c.knowledge.Tree(), c.cfg.SectionTreePath); err != nil {
		c.log.WithError(err).Warn("corenode: persist section tree failed")
	}
	return nil
}

// aeProbeCheck sends our signed SAP to every elder so the section stays
// converged even absent any client traffic to trigger the AE check in-band.
func (c *Core) aeProbeCheck(_ context.Context) []wire.Cmd {
	elders, err := c.knowledge.OurElders()
	if err != nil || len(elders) == 0 {
		return nil
	}
	ourSAP, err := c.knowledge.SectionByName(c.knowledge.OurPrefix().AsName())
	if err != nil {
		return nil
	}
	body, err := dispatch.EncodeSignedSAP(ourSAP)
	if err != nil {
		return nil
	}
	msg, err := wire.New(c.knowledge.OurSectionKey(), wire.AuthSection, wire.AntiEntropyProbe{OurSAPBytes: body})
	if err != nil {
		return nil
	}
	return []wire.Cmd{wire.SendMsg(msg, elders...)}
}

// dataReplicationCheck plans churn-driven replication for whatever this
// node currently holds against the section's present adult set, emitting
// one CmdReplicateDataBatch per destination batch.
func (c *Core) dataReplicationCheck(_ context.Context) []wire.Cmd {
	adults, err := c.knowledge.OurAdults()
	if err != nil || len(adults) == 0 {
		return nil
	}
	held := make([]replication.HeldItem, 0)
	for _, addr := range c.store.ListAddresses() {
		size, _ := c.store.SizeOf(addr)
		held = append(held, replication.HeldItem{Address: addr, Size: size})
	}
	if len(held) == 0 {
		return nil
	}
	batches := replication.PlanChurnReplication(held, c.id.Name, adults)
	cmds := make([]wire.Cmd, 0, len(batches))
	for _, b := range batches {
		cmds = append(cmds, wire.Cmd{ID: wire.NewID(), Kind: wire.CmdReplicateDataBatch, Payload: b})
		if c.collector != nil {
			c.collector.IncReplicationOp()
		}
	}
	return cmds
}

// dysfunctionScoringCheck recomputes fault scores and, for every peer
// flagged since the last pass, raises a Leave proposal if we are a current
// elder and hold a signing share; otherwise it only logs, since an unsigned
// vote could never reach the round's threshold.
func (c *Core) dysfunctionScoringCheck(_ context.Context) []wire.Cmd {
	c.dctx.RefreshRoles()
	flagged := c.faults.Dysfunctional()
	if len(flagged) == 0 {
		return nil
	}
	if c.collector != nil {
		c.collector.SetDysfunctionalCount(len(flagged))
	}

	elders, err := c.knowledge.OurElders()
	if err != nil || !isElder(elders, c.id.Name) {
		for _, peer := range flagged {
			c.log.WithField("peer", peer.String()).Info("corenode: dysfunctional peer observed, not an elder, no vote raised")
		}
		return nil
	}

	share := c.CurrentKeyShare()
	if share == nil {
		for _, peer := range flagged {
			c.log.WithField("peer", peer.String()).Warn("corenode: dysfunctional peer observed, no signing share yet; vote deferred")
		}
		return nil
	}

	changes := leaveProposalsFor(c.knowledge.OurMembers(), flagged)
	if len(changes) == 0 {
		return nil
	}
	proposalBody, err := wire.EncodePayload(changes)
	if err != nil {
		return nil
	}
	sig := share.Sign(proposalBody)

	current, err := c.knowledge.SectionByName(c.knowledge.OurPrefix().AsName())
	if err != nil {
		return nil
	}
	gen := current.Value.Generation
	// Open (or reuse) our own copy of the round and cast our own vote
	// immediately, so a single-elder section's own vote can already reach
	// threshold without waiting on a round-trip of its own MembershipVote.
	round := c.RoundFor(gen, elders)
	decision, decided, voteErr := round.AddVote(membership.Vote{
		Generation: gen, Changes: changes, Voter: c.id.Name, SigShare: sig,
	})

	msg, err := wire.New(c.knowledge.OurSectionKey(), wire.AuthSectionPart, wire.MembershipVote{
		ProposalBytes: proposalBody,
		VoterName:     c.id.Name,
		SigShare:      sig,
	})
	if err != nil {
		return nil
	}
	cmds := []wire.Cmd{wire.SendMsg(msg, elders...)}
	if voteErr == nil && decided {
		cmds = append(cmds, wire.HandleMembershipDecision(decision))
	}
	return cmds
}

// leaveProposalsFor builds one Leave Proposal per flagged name that is
// still a known Joined member, so a peer already removed isn't proposed
// again.
func leaveProposalsFor(members []knowledge.NodeState, flagged []xorname.XorName) []membership.Proposal {
	flaggedSet := make(map[xorname.XorName]bool, len(flagged))
	for _, n := range flagged {
		flaggedSet[n] = true
	}
	var out []membership.Proposal
	for _, m := range members {
		if m.State == knowledge.Joined && flaggedSet[m.Peer.Name] {
			out = append(out, membership.Proposal{Kind: membership.Leave, Candidate: m.Peer})
		}
	}
	return out
}

// peerLinkCleanupCheck implements §4.3's PeerLinkCleanup: drop cached QUIC
// connections to peers that are no longer members of our section, so a
// departed or relocated peer's connection doesn't linger in the pool past
// its membership. Distinct from comm.Transport's own reaper(), which evicts
// purely on idle TTL with no knowledge of membership at all.
func (c *Core) peerLinkCleanupCheck(_ context.Context) []wire.Cmd {
	members := make(map[string]bool)
	if elders, err := c.knowledge.OurElders(); err == nil {
		for _, e := range elders {
			members[e.Address] = true
		}
	}
	if adults, err := c.knowledge.OurAdults(); err == nil {
		for _, a := range adults {
			members[a.Address] = true
		}
	}
	for _, addr := range c.transport.PooledAddrs() {
		if !members[addr] {
			c.transport.DropPeer(addr)
		}
	}
	return nil
}

// faultHistoryRecoveryCheck forgets fault history for elders whose
// dysfunction score has dropped below zero (under their cohort's mean plus
// one standard deviation), so a recovered peer
// isn't perpetually shadowed by its past issues. This is the behavior the
// peer_link_cleanup sub-check used to (mistakenly) carry out under its
// name; it's a fault-scoring concern, not a connection-pool one.
func (c *Core) faultHistoryRecoveryCheck(_ context.Context) []wire.Cmd {
	elders, err := c.knowledge.OurElders()
	if err != nil {
		return nil
	}
	for _, e := range elders {
		if c.faults.DysfunctionScore(e.Name) < 0 {
			c.faults.Forget(e.Name)
		}
	}
	return nil
}

// healthCheck has non-elders probe every elder with an AE probe, doubling
// as a liveness ping: a consistently unreachable elder accumulates
// Communication issues through the ordinary send-failure path in
// dispatchSend.
func (c *Core) healthCheck(ctx context.Context) []wire.Cmd {
	elders, err := c.knowledge.OurElders()
	if err != nil || len(elders) == 0 {
		return nil
	}
	if isElder(elders, c.id.Name) {
		return nil
	}
	return c.aeProbeCheck(ctx)
}

func isElder(elders []identity.Peer, name xorname.XorName) bool {
	for _, e := range elders {
		if e.Name == name {
			return true
		}
	}
	return false
}
