// Package handover implements the BFT ballot that selects which candidate
// SectionInfo (new SAP, new public key) is installed when a DKG session
// terminates, per §4.2.3. Grounded on the same vote-tally shape as package
// membership, which itself follows the teacher's core/quorum_tracker.go.
package handover

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"stornet/internal/blskeys"
	"stornet/internal/xorname"
)

// SectionInfo is a candidate replacement authority for a section, produced
// by a terminated DKG session.
type SectionInfo struct {
	NewPrefix    xorname.Prefix
	NewPublicKey blskeys.PublicKey
	Generation   uint64
}

func (s SectionInfo) key() string {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.String()
}

// Ballot is a signed vote for one (or, during a split, two) candidate
// SectionInfo.
type Ballot struct {
	Generation uint64
	Candidates []SectionInfo
	Voter      xorname.XorName
	SigShare   blskeys.Signature
}

func (b Ballot) candidateSetKey() string {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(b.Candidates)
	return buf.String()
}

// Round tracks in-flight handover voting for one generation. Total
// participation is required (§4.2.3): every elder must vote before the
// round can decide, unlike membership's 2/3+1 threshold.
type Round struct {
	mu         sync.Mutex
	gen        uint64
	elders     map[xorname.XorName]bool
	votes      map[string][]Ballot
	voted      map[xorname.XorName]bool
	decided    bool
	candidates []SectionInfo
}

// NewRound starts handover vote collection among elders for generation gen.
func NewRound(gen uint64, elders []xorname.XorName) *Round {
	e := make(map[xorname.XorName]bool, len(elders))
	for _, p := range elders {
		e[p] = true
	}
	return &Round{gen: gen, elders: e, votes: map[string][]Ballot{}, voted: map[xorname.XorName]bool{}}
}

// AddVote records ballot b. Returns the decided candidate set once every
// elder has voted for the same set.
func (r *Round) AddVote(b Ballot) ([]SectionInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.Generation != r.gen {
		return nil, false, fmt.Errorf("handover: vote for generation %d, round is at %d", b.Generation, r.gen)
	}
	if !r.elders[b.Voter] {
		return nil, false, fmt.Errorf("handover: vote from non-elder %s", b.Voter)
	}
	if r.decided {
		return r.candidates, true, nil
	}
	if r.voted[b.Voter] {
		return nil, false, nil
	}
	r.voted[b.Voter] = true
	key := b.candidateSetKey()
	r.votes[key] = append(r.votes[key], b)

	if len(r.votes[key]) == len(r.elders) {
		r.decided = true
		r.candidates = b.Candidates
		return r.candidates, true, nil
	}
	return nil, false, nil
}

// AllVoted reports whether every elder in the round has cast a ballot,
// regardless of whether they agreed (a stuck handover per §4.2.3's
// failure semantics: "stuck handover blocks all new SAPs and data
// operations in the section").
func (r *Round) AllVoted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voted) == len(r.elders)
}

// Stuck reports whether every elder has voted but no single candidate set
// reached unanimous agreement.
func (r *Round) Stuck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return false
	}
	return len(r.voted) == len(r.elders)
}
