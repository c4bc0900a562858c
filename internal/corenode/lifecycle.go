package corenode

import (
	"stornet/internal/blskeys"
	"stornet/internal/handover"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/membership"
	"stornet/internal/xorname"
)

// RoundFor implements dispatch.MembershipRounds: it returns the in-flight
// membership.Round for generation gen, reusing whatever round
// dysfunctionScoringCheck or an inbound MembershipVote already opened for
// that generation, or opening a fresh one against elders otherwise.
func (c *Core) RoundFor(gen uint64, elders []identity.Peer) *membership.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.membershipRnd != nil && c.membershipGen == gen {
		return c.membershipRnd
	}
	names := make([]xorname.XorName, len(elders))
	for i, e := range elders {
		names[i] = e.Name
	}
	round := membership.NewRound(gen, names)
	c.membershipGen = gen
	c.membershipRnd = round
	return round
}

// applyMembershipDecision folds a just-decided membership.Decision into
// our section's SAP (§4.2's "apply the decision" round-lifecycle step),
// then retires the round that produced it so the next generation starts
// clean. Only able to sign the updated SAP when this node holds a signing
// share; multi-elder threshold-signature combination across independently
// cast votes is not implemented here, the same disclosed limitation as the
// join path (see DESIGN.md) — every elder applies its own locally-decided
// view, which is only guaranteed consistent for a single-elder section.
func (c *Core) applyMembershipDecision(d membership.Decision) {
	c.mu.Lock()
	share := c.keyShare
	if c.membershipGen == d.Generation {
		c.membershipRnd = nil
	}
	c.mu.Unlock()
	if share == nil {
		c.log.Warn("corenode: membership decision reached but no signing share held, cannot apply")
		return
	}
	current, err := c.knowledge.SectionByName(c.knowledge.OurPrefix().AsName())
	if err != nil {
		return
	}
	next := membership.ApplyDecision(current.Value, d)
	signed, err := knowledge.Sign(next, *share, current.PublicKey)
	if err != nil {
		return
	}
	if _, err := c.knowledge.UpdateSAP(signed, nil); err != nil {
		c.log.WithError(err).Warn("corenode: apply membership decision failed")
	}
}

// applyDkgOutcome installs the key share a just-terminated DKG session
// produced for this participant, per §4.2.2.
func (c *Core) applyDkgOutcome(share blskeys.SecretKeyShare) {
	c.SetKeyShare(share)
}

// applyNewSectionsAgreement installs the SectionInfo a handover round
// unanimously agreed on as our section's next authority (§4.2.3),
// re-signing our SAP under the freshly-agreed public key with whatever
// share applyDkgOutcome most recently installed for this generation. A
// split carries two candidates; this node picks the one whose prefix
// still covers its own name and leaves the sibling's for AE to deliver.
func (c *Core) applyNewSectionsAgreement(infos []handover.SectionInfo) {
	if len(infos) == 0 {
		return
	}
	c.mu.Lock()
	share := c.keyShare
	c.mu.Unlock()
	if share == nil {
		c.log.Warn("corenode: new sections agreement reached but no signing share held, cannot apply")
		return
	}
	chosen := infos[0]
	for _, info := range infos {
		if info.NewPrefix.Matches(c.id.Name) {
			chosen = info
			break
		}
	}
	current, err := c.knowledge.SectionByName(c.knowledge.OurPrefix().AsName())
	if err != nil {
		return
	}
	next := current.Value
	next.Prefix = chosen.NewPrefix
	next.PublicKey = chosen.NewPublicKey
	next.Generation = chosen.Generation
	signed, err := knowledge.Sign(next, *share, chosen.NewPublicKey)
	if err != nil {
		return
	}
	if _, err := c.knowledge.UpdateSAP(signed, nil); err != nil {
		c.log.WithError(err).Warn("corenode: apply new sections agreement failed")
	}
}
