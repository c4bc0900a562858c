package faultdetect

import (
	"testing"
	"time"

	"stornet/internal/xorname"
)

func name(b byte) xorname.XorName {
	var n xorname.XorName
	n[0] = b
	return n
}

func TestDysfunctionalSurfacesWorstPeer(t *testing.T) {
	d := NewDetector()
	good1, good2, bad := name(1), name(2), name(3)
	for _, p := range []xorname.XorName{good1, good2, bad} {
		d.SetRole(p, RoleAdult)
	}
	for i := 0; i < 20; i++ {
		d.TrackIssue(bad, Communication)
	}
	d.TrackIssue(good1, Communication)

	got := d.Dysfunctional()
	found := false
	for _, p := range got {
		if p == bad {
			found = true
		}
		if p == good2 {
			t.Fatalf("peer with zero issues should not be dysfunctional")
		}
	}
	if !found {
		t.Fatalf("expected bad peer to be flagged dysfunctional, got %v", got)
	}
}

func TestIssuesOutsideWindowDoNotCount(t *testing.T) {
	d := NewDetector()
	d.window = 10 * time.Millisecond
	peer := name(1)
	d.SetRole(peer, RoleAdult)
	d.TrackIssue(peer, Communication)
	time.Sleep(20 * time.Millisecond)
	if score := d.DysfunctionScore(peer); score > 0 {
		t.Fatalf("expected expired issue to not contribute to score, got %v", score)
	}
}

func TestForgetClearsState(t *testing.T) {
	d := NewDetector()
	peer := name(1)
	d.SetRole(peer, RoleAdult)
	d.TrackIssue(peer, Knowledge)
	d.Forget(peer)
	if score := d.DysfunctionScore(peer); score != 0 {
		t.Fatalf("expected forgotten peer to have zero score, got %v", score)
	}
}
