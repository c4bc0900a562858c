package membership

import "sync"

// History retains every finalized Decision this node has seen, in
// generation order, so a node that is behind can catch up via
// MembershipAE: §4.2.1 "if a node receives a vote referencing a generation
// strictly greater than its own, it sends a MembershipAE request to the
// sender, receives the decision history back, and catches up."
type History struct {
	mu        sync.RWMutex
	decisions []Decision // index i holds generation i+1
}

// Record appends d, which must be for the next expected generation.
func (h *History) Record(d Decision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(d.Generation) != len(h.decisions)+1 {
		return errGenerationGap(d.Generation, uint64(len(h.decisions)))
	}
	h.decisions = append(h.decisions, d)
	return nil
}

func errGenerationGap(got, have uint64) error {
	return &generationGapError{got: got, have: have}
}

type generationGapError struct {
	got, have uint64
}

func (e *generationGapError) Error() string {
	return "membership: decision for generation out of order"
}

// CurrentGeneration returns the highest generation recorded.
func (h *History) CurrentGeneration() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint64(len(h.decisions))
}

// Since returns every decision strictly after sinceGeneration, the payload
// of an AE catch-up response.
func (h *History) Since(sinceGeneration uint64) []Decision {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sinceGeneration >= uint64(len(h.decisions)) {
		return nil
	}
	out := make([]Decision, len(h.decisions)-int(sinceGeneration))
	copy(out, h.decisions[sinceGeneration:])
	return out
}
