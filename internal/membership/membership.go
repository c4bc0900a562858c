// Package membership implements BFT agreement on section membership
// changes: Join, Leave, and Relocate proposals voted on by the current
// elder set and finalized as a threshold-signed MembershipDecision.
//
// Grounded on the teacher's core/quorum_tracker.go (mutex-protected vote
// tally keyed by proposal) and core/consensus.go's round/threshold shape,
// adapted from block-consensus rounds to membership-change rounds.
package membership

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/xorname"
)

// ChangeKind is the kind of membership change a Proposal carries.
type ChangeKind uint8

const (
	Join ChangeKind = iota
	Leave
	Relocate
)

// Proposal is one signed candidate change to section membership.
type Proposal struct {
	Kind               ChangeKind
	Candidate          identity.Peer
	Age                uint8
	DestinationPrefix  xorname.Prefix // Relocate only
	ResourceProofNonce []byte         // Join only: proof-of-work resource proof
}

func (p Proposal) key() string {
	body, _ := canonicalEncode(p)
	return string(body)
}

func canonicalEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decision is a BFT-consensused set of NodeState changes for generation G —
// §3's MembershipDecision. It carries no signature of its own.
type Decision struct {
	Generation uint64
	Changes    []Proposal
}

// Vote is one elder's signed proposal-set vote for a round.
type Vote struct {
	Generation uint64
	Changes    []Proposal
	Voter      xorname.XorName
	SigShare   blskeys.Signature
}

func (v Vote) proposalSetKey() string {
	body, _ := canonicalEncode(v.Changes)
	return fmt.Sprintf("%d:%s", v.Generation, body)
}

// ChurnPolicy decides whether joins are currently admitted, based on
// section storage headroom per §4.2.1 "Churn control".
type ChurnPolicy struct {
	RecommendedSectionBytes uint64
	UsedBytes               uint64
}

// JoinsPermitted applies the nominal thresholds: joins are enabled once
// used space crosses below 90% of the recommended size, and throttled
// (disabled) above it, avoiding oversized sections.
func (c ChurnPolicy) JoinsPermitted() bool {
	if c.RecommendedSectionBytes == 0 {
		return true
	}
	threshold := c.RecommendedSectionBytes * 9 / 10
	return c.UsedBytes < threshold
}

// RelocationPeriod is the age divisor that makes a member eligible for
// relocation ("age divisible by relocation period").
const RelocationPeriod = 5

// EligibleForRelocation reports whether age makes a member eligible.
func EligibleForRelocation(age uint8) bool {
	return age > 0 && age%RelocationPeriod == 0
}

// Round tracks in-flight voting for one generation: collected votes keyed
// by identical proposal-set, and whether this round has already decided.
type Round struct {
	mu       sync.Mutex
	gen      uint64
	elders   map[xorname.XorName]bool
	votes    map[string][]Vote // proposalSetKey -> votes for that exact set
	decided  bool
	decision Decision
}

// NewRound starts vote collection for generation gen among the given elder
// set.
func NewRound(gen uint64, elders []identity.Peer) *Round {
	e := make(map[xorname.XorName]bool, len(elders))
	for _, p := range elders {
		e[p.Name] = true
	}
	return &Round{gen: gen, elders: e, votes: map[string][]Vote{}}
}

// threshold is floor(2n/3) + 1, the smallest vote count strictly greater
// than two thirds of n.
func threshold(n int) int {
	return (2*n)/3 + 1
}

// AddVote records a vote per §4.2.1's transition rules. It checks that the
// vote references the current generation and comes from a current elder;
// it does not verify SigShare and does not check the proposals against
// AdmitProposal. Returns the decided
// Decision once a threshold of identical-proposal-set votes is reached.
func (r *Round) AddVote(v Vote) (Decision, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.Generation != r.gen {
		return Decision{}, false, fmt.Errorf("membership: vote for generation %d, round is at %d", v.Generation, r.gen)
	}
	if !r.elders[v.Voter] {
		return Decision{}, false, fmt.Errorf("membership: vote from non-elder %s", v.Voter)
	}
	if r.decided {
		return r.decision, true, nil
	}

	key := v.proposalSetKey()
	for _, existing := range r.votes[key] {
		if existing.Voter == v.Voter {
			return Decision{}, false, nil // duplicate vote, ignored
		}
	}
	r.votes[key] = append(r.votes[key], v)

	need := threshold(len(r.elders))
	if len(r.votes[key]) >= need {
		r.decided = true
		r.decision = Decision{Generation: r.gen, Changes: v.Changes}
		return r.decision, true, nil
	}
	return Decision{}, false, nil
}

// Decided reports whether this round has already finalized, and the
// decision if so.
func (r *Round) Decided() (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision, r.decided
}

// AdmitProposal applies the §4.2.1 admission rules against the current SAP
// and churn policy.
func AdmitProposal(sap knowledge.SectionAuthorityProvider, p Proposal, churn ChurnPolicy, verifyResourceProof func([]byte) bool) error {
	switch p.Kind {
	case Join:
		if !churn.JoinsPermitted() {
			return fmt.Errorf("membership: joins currently throttled")
		}
		if verifyResourceProof != nil && !verifyResourceProof(p.ResourceProofNonce) {
			return fmt.Errorf("membership: resource proof failed for %s", p.Candidate)
		}
		return nil
	case Leave:
		for _, m := range sap.Members {
			if m.Peer.Equal(p.Candidate) {
				if m.State == knowledge.Joined || m.State == knowledge.Relocated {
					return nil
				}
				return fmt.Errorf("membership: %s is not joined or relocating", p.Candidate)
			}
		}
		return fmt.Errorf("membership: %s is not a current member", p.Candidate)
	case Relocate:
		for _, m := range sap.Members {
			if m.Peer.Equal(p.Candidate) {
				if !EligibleForRelocation(m.Age) {
					return fmt.Errorf("membership: %s (age %d) is not relocation-eligible", p.Candidate, m.Age)
				}
				if p.DestinationPrefix.Len() == 0 && !p.DestinationPrefix.Equal(xorname.RootPrefix()) {
					return fmt.Errorf("membership: no destination prefix for relocation")
				}
				return nil
			}
		}
		return fmt.Errorf("membership: %s is not a current member", p.Candidate)
	default:
		return fmt.Errorf("membership: unknown proposal kind %d", p.Kind)
	}
}

// ApplyDecision folds a finalized Decision's changes into sap's Members,
// per §3 "NodeStates mutate only via MembershipDecisions". Relocate moves
// the member into the Relocated state rather than removing it immediately:
// per the "remove on ack" design decision, removal happens only once a
// RelocationAck decision later confirms the destination accepted the node.
func ApplyDecision(sap knowledge.SectionAuthorityProvider, d Decision) knowledge.SectionAuthorityProvider {
	next := sap
	next.Members = append([]knowledge.NodeState(nil), sap.Members...)
	next.Generation = d.Generation

	for _, change := range d.Changes {
		switch change.Kind {
		case Join:
			next.Members = append(next.Members, knowledge.NodeState{
				Peer: change.Candidate, Age: 0, State: knowledge.Joined,
			})
		case Leave:
			for i, m := range next.Members {
				if m.Peer.Equal(change.Candidate) {
					next.Members[i].State = knowledge.Left
				}
			}
		case Relocate:
			for i, m := range next.Members {
				if m.Peer.Equal(change.Candidate) {
					next.Members[i].State = knowledge.Relocated
					next.Members[i].DestinationPrefix = change.DestinationPrefix
				}
			}
		}
	}
	return next
}

// RelocationAck is the follow-up proposal the destination section's elders
// raise once a relocated node completes JoinAsRelocated, confirming the
// origin section can now fully drop the member. Modeled as a Leave
// proposal against the already-Relocated member, reusing the existing
// admission and application paths rather than adding a new ChangeKind.
func RelocationAck(candidate identity.Peer) Proposal {
	return Proposal{Kind: Leave, Candidate: candidate}
}
