package handover

import (
	"testing"

	"stornet/internal/xorname"
)

func name(b byte) xorname.XorName {
	var n xorname.XorName
	n[0] = b
	return n
}

func TestRoundRequiresTotalParticipation(t *testing.T) {
	elders := []xorname.XorName{name(1), name(2), name(3)}
	r := NewRound(1, elders)
	candidates := []SectionInfo{{NewPrefix: xorname.RootPrefix(), Generation: 2}}

	for i, e := range elders[:2] {
		_, decided, err := r.AddVote(Ballot{Generation: 1, Candidates: candidates, Voter: e})
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		if decided {
			t.Fatalf("should not decide before all elders vote")
		}
	}
	got, decided, err := r.AddVote(Ballot{Generation: 1, Candidates: candidates, Voter: elders[2]})
	if err != nil {
		t.Fatalf("final vote: %v", err)
	}
	if !decided || len(got) != 1 {
		t.Fatalf("expected decision after all elders voted")
	}
}

func TestRoundStuckOnDisagreement(t *testing.T) {
	elders := []xorname.XorName{name(1), name(2)}
	r := NewRound(1, elders)
	a := []SectionInfo{{NewPrefix: xorname.RootPrefix(), Generation: 2}}
	b := []SectionInfo{{NewPrefix: xorname.RootPrefix().PushBit(1), Generation: 2}}

	if _, _, err := r.AddVote(Ballot{Generation: 1, Candidates: a, Voter: elders[0]}); err != nil {
		t.Fatalf("vote 0: %v", err)
	}
	if _, _, err := r.AddVote(Ballot{Generation: 1, Candidates: b, Voter: elders[1]}); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if !r.Stuck() {
		t.Fatalf("expected round to be stuck after disagreement with full participation")
	}
}
