package knowledge

import (
	"fmt"
	"sync/atomic"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/xorname"
)

// snapshot is the immutable bundle NetworkKnowledge publishes to readers.
// Replacing the whole struct on every mutation, rather than mutating
// fields in place, is what makes atomic.Pointer swap safe without readers
// taking a lock.
type snapshot struct {
	genesisKey    blskeys.PublicKey
	ourPrefix     xorname.Prefix
	ourSectionKey blskeys.PublicKey
	ourMembers    []NodeState
}

// NetworkKnowledge is the node's bundle of knowledge: the genesis key, the
// full SectionTree, and a derived "our section" view. Exactly one writer
// task (the dispatch loop) calls Update*; all other goroutines read via the
// snapshot accessors (GenesisKey, OurPrefix, OurSectionKey, OurMembers),
// which never block a writer and never see a partially-updated view, or via
// the SectionTree queries (SectionByName, ClosestSection, Tree), which take
// the tree's own lock. The snapshot half is the lock-free analogue of §5's
// optional RwLock: a single writer, many readers, and wait-free reads.
type NetworkKnowledge struct {
	tree *SectionTree
	cur  atomic.Pointer[snapshot]
}

// New builds a NetworkKnowledge from a trusted genesis SAP, bootstrapping
// the section tree and deriving the initial "our section" view from it.
func New(genesisSAP SectionSigned[SectionAuthorityProvider]) (*NetworkKnowledge, error) {
	tree, err := NewSectionTree(genesisSAP)
	if err != nil {
		return nil, err
	}
	nk := &NetworkKnowledge{tree: tree}
	nk.cur.Store(&snapshot{
		genesisKey:    genesisSAP.PublicKey,
		ourPrefix:     genesisSAP.Value.Prefix,
		ourSectionKey: genesisSAP.PublicKey,
		ourMembers:    append([]NodeState(nil), genesisSAP.Value.Members...),
	})
	return nk, nil
}

// GenesisKey returns the trust anchor every SAP must chain back to.
func (nk *NetworkKnowledge) GenesisKey() blskeys.PublicKey { return nk.cur.Load().genesisKey }

// OurPrefix returns the locally owned section's prefix.
func (nk *NetworkKnowledge) OurPrefix() xorname.Prefix { return nk.cur.Load().ourPrefix }

// OurSectionKey returns the locally owned section's current BLS group key.
func (nk *NetworkKnowledge) OurSectionKey() blskeys.PublicKey { return nk.cur.Load().ourSectionKey }

// OurMembers returns a snapshot of the locally owned section's membership.
func (nk *NetworkKnowledge) OurMembers() []NodeState {
	return append([]NodeState(nil), nk.cur.Load().ourMembers...)
}

// UpdateSAP installs signedSAP per §4.1's algorithm, then — if the SAP
// belongs to our own prefix, or supersedes it via split — republishes the
// derived snapshot atomically. Only the single writer task may call this.
func (nk *NetworkKnowledge) UpdateSAP(signedSAP SectionSigned[SectionAuthorityProvider], proofChain []ProofLink) (UpdateResult, error) {
	result, err := nk.tree.Update(signedSAP, proofChain)
	if err != nil {
		return NoOp, err
	}
	if result == Updated {
		nk.refreshOurSection(signedSAP)
	}
	return result, nil
}

func (nk *NetworkKnowledge) refreshOurSection(updated SectionSigned[SectionAuthorityProvider]) {
	prev := nk.cur.Load()
	// Our own section has moved if the updated prefix now matches or
	// subsumes/extends what we previously considered "ours".
	if !updated.Value.Prefix.IsExtensionOf(prev.ourPrefix) && !prev.ourPrefix.IsExtensionOf(updated.Value.Prefix) {
		return
	}
	next := &snapshot{
		genesisKey:    prev.genesisKey,
		ourPrefix:     updated.Value.Prefix,
		ourSectionKey: updated.PublicKey,
		ourMembers:    append([]NodeState(nil), updated.Value.Members...),
	}
	nk.cur.Store(next)
}

// SectionByName returns the SAP whose prefix covers name.
func (nk *NetworkKnowledge) SectionByName(name xorname.XorName) (SectionSigned[SectionAuthorityProvider], error) {
	return nk.tree.SectionByName(name)
}

// ClosestSection returns the SAP closest to name, optionally excluding one
// prefix (typically our own, when looking for a neighbour to AE-probe).
func (nk *NetworkKnowledge) ClosestSection(name xorname.XorName, exclude *xorname.Prefix) (SectionSigned[SectionAuthorityProvider], error) {
	return nk.tree.ClosestSection(name, exclude)
}

// VerifySignedKnowledge checks signed's BLS signature against any key known
// to the chain DAG.
func VerifySignedKnowledge[T any](nk *NetworkKnowledge, signed SectionSigned[T]) bool {
	return VerifySigned(nk.tree, signed)
}

// OurElders returns the ordered elder set of the locally owned section.
func (nk *NetworkKnowledge) OurElders() ([]identity.Peer, error) {
	sap, err := nk.tree.SectionByName(nk.OurPrefix().AsName())
	if err != nil {
		return nil, err
	}
	return append([]identity.Peer(nil), sap.Value.Elders...), nil
}

// OurAdults returns the non-elder Joined members of the locally owned
// section.
func (nk *NetworkKnowledge) OurAdults() ([]identity.Peer, error) {
	sap, err := nk.tree.SectionByName(nk.OurPrefix().AsName())
	if err != nil {
		return nil, err
	}
	return sap.Value.Adults(), nil
}

// Tree exposes the backing SectionTree for persistence and AE exchanges.
func (nk *NetworkKnowledge) Tree() *SectionTree { return nk.tree }

// Bootstrap loads a NetworkKnowledge from a persisted SectionTree snapshot,
// or builds a fresh one from a seed SAP when none exists on disk, per §4.1
// "Persistence": a node reads its section tree on startup and bootstraps
// from a seed SAP if missing or corrupted.
func Bootstrap(persisted *SectionTree, seed SectionSigned[SectionAuthorityProvider]) (*NetworkKnowledge, error) {
	if persisted == nil {
		return New(seed)
	}
	ourSAP, err := persisted.SectionByName(seed.Value.Prefix.AsName())
	if err != nil {
		return nil, fmt.Errorf("knowledge: bootstrap: %w", err)
	}
	nk := &NetworkKnowledge{tree: persisted}
	nk.cur.Store(&snapshot{
		genesisKey:    persisted.chain.Genesis(),
		ourPrefix:     ourSAP.Value.Prefix,
		ourSectionKey: ourSAP.PublicKey,
		ourMembers:    append([]NodeState(nil), ourSAP.Value.Members...),
	})
	return nk, nil
}
