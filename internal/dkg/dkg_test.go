package dkg

import (
	"testing"

	"stornet/internal/blskeys"
	"stornet/internal/xorname"
)

func name(b byte) xorname.XorName {
	var n xorname.XorName
	n[0] = b
	return n
}

func TestSessionFullRoundNoComplaints(t *testing.T) {
	participants := []xorname.XorName{name(1), name(2), name(3)}
	id := NewSessionID(participants, 4, []byte("trigger"))
	s := NewSession(id, participants, 2)

	set, shares, err := blskeys.GenerateThreshold(2, 3)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}

	for i, p := range participants {
		complete, err := s.AddContribution(Contribution{From: p, Round: 0, Share: shares[i]})
		if err != nil {
			t.Fatalf("add contribution %d: %v", i, err)
		}
		if i < len(participants)-1 && complete {
			t.Fatalf("session completed too early")
		}
	}
	if !s.ReadyToFinalize() {
		t.Fatalf("expected session ready to finalize")
	}
	share, err := s.Finalize(shares[0], set.Group)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if share.ID != shares[0].ID {
		t.Fatalf("unexpected finalized share id")
	}
	if s.Phase() != Terminated {
		t.Fatalf("expected Terminated, got %s", s.Phase())
	}
}

func TestSessionBlocksOnOutstandingComplaint(t *testing.T) {
	participants := []xorname.XorName{name(1), name(2)}
	id := NewSessionID(participants, 1, nil)
	s := NewSession(id, participants, 1)

	_, shares, err := blskeys.GenerateThreshold(1, 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i, p := range participants {
		if _, err := s.AddContribution(Contribution{From: p, Share: shares[i]}); err != nil {
			t.Fatalf("contribution: %v", err)
		}
	}
	s.AddComplaint(Complaint{From: participants[0], Against: participants[1], Reason: "bad share"})
	if s.ReadyToFinalize() {
		t.Fatalf("expected session blocked on unanswered complaint")
	}
	s.AddJustification(Justification{From: participants[1], Against: participants[1]})
	if !s.ReadyToFinalize() {
		t.Fatalf("expected session ready after justification")
	}
}

func TestIsSubsetOfDiscardsStaleSession(t *testing.T) {
	participants := []xorname.XorName{name(1), name(2)}
	s := NewSession(NewSessionID(participants, 1, nil), participants, 1)
	newElders := map[xorname.XorName]bool{name(1): true}
	if s.IsSubsetOf(newElders) {
		t.Fatalf("expected session to not be a subset of the new elder set")
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	p := []xorname.XorName{name(2), name(1)}
	a := NewSessionID(p, 3, []byte("x"))
	b := NewSessionID([]xorname.XorName{name(1), name(2)}, 3, []byte("x"))
	if a != b {
		t.Fatalf("expected session id to be order-independent over participants")
	}
}
