// Package dkg implements the distributed key generation state machine that
// produces a section's next threshold BLS key share whenever its elder set
// changes. Grounded on the protocol shape (session id, phased rounds,
// gossip fast-forward) found in the drand pack files
// (internal/dkg/execution.go, dkg/dkg.go) and the threshold crypto itself
// on the teacher's core/security.go BLS branch via package blskeys.
package dkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"stornet/internal/blskeys"
	"stornet/internal/xorname"
)

// Phase enumerates the §4.2.2 DKG states.
type Phase uint8

const (
	NotStarted Phase = iota
	Initialization
	Contribution
	Complaining
	Justification
	Finalization
	Terminated
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case Initialization:
		return "initialization"
	case Contribution:
		return "contribution"
	case Complaining:
		return "complaining"
	case Justification:
		return "justification"
	case Finalization:
		return "finalization"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionID encodes the participant set, the section chain length
// ("generation"), and a nonce over the triggering membership decision, per
// §4.2.2: two sessions with different SessionIDs are independent.
type SessionID [32]byte

// NewSessionID derives a SessionID deterministically from its inputs so
// that every honest participant computing it from the same trigger arrives
// at the same id.
func NewSessionID(participants []xorname.XorName, generation uint64, decisionNonce []byte) SessionID {
	sorted := append([]xorname.XorName(nil), participants...)
	xorname.SortByDistance(xorname.XorName{}, sorted) // stable canonical order
	h := sha256.New()
	for _, p := range sorted {
		h.Write(p[:])
	}
	var genBuf [8]byte
	binary.BigEndian.PutUint64(genBuf[:], generation)
	h.Write(genBuf[:])
	h.Write(decisionNonce)
	var id SessionID
	copy(id[:], h.Sum(nil))
	return id
}

// Contribution is one participant's Pedersen-style share contribution for
// every other participant in the session.
type Contribution struct {
	From  xorname.XorName
	Round int
	Share blskeys.SecretKeyShare
}

// Complaint flags a malformed contribution received from From, about the
// participant named Against.
type Complaint struct {
	From    xorname.XorName
	Against xorname.XorName
	Reason  string
}

// Justification answers a Complaint with the original contribution, so
// every other participant can independently verify who was at fault.
type Justification struct {
	From         xorname.XorName
	Against      xorname.XorName
	Contribution Contribution
}

// Session drives one DKG run to completion (or indefinite stall, if a
// required participant never contributes — §4.2.2 "total participation is
// required... a missing contributor stalls the session").
type Session struct {
	mu           sync.Mutex
	id           SessionID
	participants map[xorname.XorName]bool
	threshold    int
	phase        Phase

	contributions map[xorname.XorName]Contribution
	complaints    []Complaint
	justified     map[xorname.XorName]bool

	keyShare blskeys.SecretKeyShare
	groupKey blskeys.PublicKey
}

// NewSession starts a session in Initialization for the given participant
// set and threshold (nominally the BFT quorum size).
func NewSession(id SessionID, participants []xorname.XorName, threshold int) *Session {
	set := make(map[xorname.XorName]bool, len(participants))
	for _, p := range participants {
		set[p] = true
	}
	return &Session{
		id:            id,
		participants:  set,
		threshold:     threshold,
		phase:         Initialization,
		contributions: map[xorname.XorName]Contribution{},
		justified:     map[xorname.XorName]bool{},
	}
}

// ID returns the session's identity.
func (s *Session) ID() SessionID { return s.id }

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Participants returns the session's canonical participant set.
func (s *Session) Participants() []xorname.XorName {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xorname.XorName, 0, len(s.participants))
	for p := range s.participants {
		out = append(out, p)
	}
	return out
}

// IsSubsetOf reports whether every participant of s also appears in
// elders, used by the "stale session" discard rule (§4.2.2): after a
// churn, sessions whose participant set is not a subset of the new elders
// are discarded.
func (s *Session) IsSubsetOf(elders map[xorname.XorName]bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.participants {
		if !elders[p] {
			return false
		}
	}
	return true
}

// AddContribution records from's contribution. Moves Initialization ->
// Contribution on the first one received. Returns true once every
// participant has contributed.
func (s *Session) AddContribution(c Contribution) (complete bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.participants[c.From] {
		return false, fmt.Errorf("dkg: contribution from non-participant %s", c.From)
	}
	if s.phase == NotStarted {
		s.phase = Initialization
	}
	if s.phase == Initialization {
		s.phase = Contribution
	}
	if s.phase != Contribution && s.phase != Complaining && s.phase != Justification {
		return false, fmt.Errorf("dkg: contribution received in phase %s", s.phase)
	}
	s.contributions[c.From] = c
	return len(s.contributions) == len(s.participants), nil
}

// AddComplaint records a Complaint, moving the session to Complaining.
// Total participation means an outstanding complaint blocks Finalization
// until answered by a Justification.
func (s *Session) AddComplaint(c Complaint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Complaining
	s.complaints = append(s.complaints, c)
}

// AddJustification marks a complaint against j.Against as answered.
func (s *Session) AddJustification(j Justification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Justification
	s.justified[j.Against] = true
}

// ReadyToFinalize reports whether every participant has contributed and
// every outstanding complaint has a matching justification.
func (s *Session) ReadyToFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contributions) != len(s.participants) {
		return false
	}
	for _, c := range s.complaints {
		if !s.justified[c.Against] {
			return false
		}
	}
	return true
}

// Finalize records mine and group as this participant's outcome and moves
// to Terminated, once every participant has contributed and no complaint
// is left unjustified. The collected contributions are not combined: the
// returned share is mine, unchanged (a trusted-dealer share, as produced by
// blskeys.GenerateThreshold, not a Pedersen VSS result).
func (s *Session) Finalize(mine blskeys.SecretKeyShare, group blskeys.PublicKey) (blskeys.SecretKeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyToFinalizeLocked() {
		return blskeys.SecretKeyShare{}, fmt.Errorf("dkg: session %x not ready to finalize", s.id[:4])
	}
	s.keyShare = mine
	s.groupKey = group
	s.phase = Terminated
	return mine, nil
}

func (s *Session) readyToFinalizeLocked() bool {
	if len(s.contributions) != len(s.participants) {
		return false
	}
	for _, c := range s.complaints {
		if !s.justified[c.Against] {
			return false
		}
	}
	return true
}

// Outcome returns the derived key share and group key once Terminated.
func (s *Session) Outcome() (blskeys.SecretKeyShare, blskeys.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyShare, s.groupKey, s.phase == Terminated
}

// History captures the phase-tagged messages exchanged in a session, so a
// node that discovers it is behind can request it via DkgSessionInfo and
// fast-forward (§4.2.2 "Gossip").
type History struct {
	mu    sync.Mutex
	items []phaseTagged
}

type phaseTagged struct {
	Phase Phase
	Data  []byte
}

// Append records a phase-tagged message for later fast-forward replay.
func (h *History) Append(phase Phase, v any) error {
	body, err := encode(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, phaseTagged{Phase: phase, Data: body})
	return nil
}

// LatestPhase returns the highest phase tag recorded.
func (h *History) LatestPhase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	var max Phase
	for _, it := range h.items {
		if it.Phase > max {
			max = it.Phase
		}
	}
	return max
}

// Encode serializes the full history for a DkgSessionInfo response.
func (h *History) Encode() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return encode(h.items)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
