package knowledge

import (
	"fmt"
	"sort"
	"sync"

	"stornet/internal/errtype"
	"stornet/internal/xorname"
)

// SectionTree is the node's view of all known sections: a partition of
// XorName-space into prefixes, each holding the latest SectionSigned SAP
// for that prefix, plus the SectionChain backing every SAP's public key.
// Modeled as a flat map keyed by the prefix's canonical string rather than
// a pointer-linked trie, for the same "walk by lookup, not by pointer
// chasing" reason the SectionChain uses a flat map.
type SectionTree struct {
	mu     sync.RWMutex
	chain  *SectionChain
	leaves map[string]SectionSigned[SectionAuthorityProvider]
}

// NewSectionTree seeds a tree with a genesis SAP at the root prefix.
func NewSectionTree(genesisSAP SectionSigned[SectionAuthorityProvider]) (*SectionTree, error) {
	ok, err := genesisSAP.Verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errtype.New(errtype.AuthorityInvalid, "knowledge: genesis SAP signature invalid")
	}
	chain := NewSectionChain(genesisSAP.PublicKey)
	t := &SectionTree{
		chain:  chain,
		leaves: map[string]SectionSigned[SectionAuthorityProvider]{},
	}
	t.leaves[genesisSAP.Value.Prefix.String()] = genesisSAP
	return t, nil
}

// UpdateResult classifies the outcome of Update, per §4.1's operation
// contract.
type UpdateResult int

const (
	NoOp UpdateResult = iota
	Updated
)

// Update installs signedSAP, first verifying proofChain anchors its public
// key in our SectionChain (§4.1 algorithm steps 1-4), then replacing or
// splitting the leaf(ves) at signedSAP.Value.Prefix (step 5). Returns
// Updated only if the tree's observable state actually changed.
func (t *SectionTree) Update(signedSAP SectionSigned[SectionAuthorityProvider], proofChain []ProofLink) (UpdateResult, error) {
	ok, err := signedSAP.Verify()
	if err != nil {
		return NoOp, err
	}
	if !ok {
		return NoOp, errtype.New(errtype.AuthorityInvalid, "knowledge: SAP signature does not match its claimed public key")
	}
	if len(proofChain) > 0 {
		if err := t.chain.VerifyProofChain(proofChain); err != nil {
			return NoOp, errtype.Wrap(errtype.KnowledgeStale, err, "untrusted chain")
		}
	} else if !t.chain.Reachable(signedSAP.PublicKey) {
		return NoOp, errtype.New(errtype.KnowledgeStale, "untrusted chain: key not reachable and no proof chain supplied")
	}

	prefix := signedSAP.Value.Prefix

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.exactLeafLocked(prefix); ok {
		if existing.Value.Generation == signedSAP.Value.Generation && sameSAP(existing.Value, signedSAP.Value) {
			return NoOp, nil
		}
		if signedSAP.Value.Generation <= existing.Value.Generation {
			return NoOp, errtype.New(errtype.KnowledgeStale, fmt.Sprintf("outdated generation: have %d, got %d",
				existing.Value.Generation, signedSAP.Value.Generation))
		}
		t.leaves[prefix.String()] = signedSAP
		return Updated, nil
	}

	// No exact leaf: either this prefix splits an existing ancestor leaf
	// into siblings, or it is a genuinely new, disjoint prefix (e.g. a
	// collapsed merge target). Remove any leaf that prefix now subsumes or
	// is subsumed by, keeping the partition invariant intact.
	for key, leaf := range t.leaves {
		if leaf.Value.Prefix.IsExtensionOf(prefix) || prefix.IsExtensionOf(leaf.Value.Prefix) {
			delete(t.leaves, key)
		}
	}
	t.leaves[prefix.String()] = signedSAP
	return Updated, nil
}

func sameSAP(a, b SectionAuthorityProvider) bool {
	if a.PublicKey != b.PublicKey || len(a.Elders) != len(b.Elders) {
		return false
	}
	for i := range a.Elders {
		if a.Elders[i] != b.Elders[i] {
			return false
		}
	}
	return true
}

func (t *SectionTree) exactLeafLocked(p xorname.Prefix) (SectionSigned[SectionAuthorityProvider], bool) {
	leaf, ok := t.leaves[p.String()]
	return leaf, ok
}

// SectionByName returns the SAP whose prefix matches name; exactly one
// leaf always matches because leaves partition name-space.
func (t *SectionTree) SectionByName(name xorname.XorName) (SectionSigned[SectionAuthorityProvider], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, leaf := range t.leaves {
		if leaf.Value.Prefix.Matches(name) {
			return leaf, nil
		}
	}
	return SectionSigned[SectionAuthorityProvider]{}, errtype.New(errtype.KnowledgeStale, fmt.Sprintf("knowledge: no section covers name %s", name))
}

// ClosestSection returns the known SAP whose prefix has the longest common
// prefix with name, optionally excluding one prefix (e.g. our own, to find
// a neighbour).
func (t *SectionTree) ClosestSection(name xorname.XorName, exclude *xorname.Prefix) (SectionSigned[SectionAuthorityProvider], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best SectionSigned[SectionAuthorityProvider]
	bestLen := -1
	found := false
	for _, leaf := range t.leaves {
		if exclude != nil && leaf.Value.Prefix.Equal(*exclude) {
			continue
		}
		l := xorname.CommonAncestorLen(leaf.Value.Prefix, name)
		if l > bestLen {
			bestLen = l
			best = leaf
			found = true
		}
	}
	if !found {
		return SectionSigned[SectionAuthorityProvider]{}, errtype.New(errtype.KnowledgeStale, "knowledge: no candidate sections")
	}
	return best, nil
}

// VerifySigned checks whether signed's signature was produced by some key
// known to the chain DAG (not necessarily the current SAP's key — older,
// still-vouched-for keys verify too, so messages signed just before a
// handover still pass AE).
func VerifySigned[T any](t *SectionTree, signed SectionSigned[T]) bool {
	ok, err := signed.Verify()
	if err != nil || !ok {
		return false
	}
	return t.chain.Reachable(signed.PublicKey)
}

// AllSAPs returns every known leaf SAP, ordered by prefix string for
// deterministic snapshots/persistence.
func (t *SectionTree) AllSAPs() []SectionSigned[SectionAuthorityProvider] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SectionSigned[SectionAuthorityProvider], 0, len(t.leaves))
	for _, leaf := range t.leaves {
		out = append(out, leaf)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Value.Prefix.String() < out[j].Value.Prefix.String()
	})
	return out
}

// Chain exposes the backing SectionChain for verification and persistence.
func (t *SectionTree) Chain() *SectionChain { return t.chain }
