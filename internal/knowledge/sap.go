// Package knowledge maintains a node's verifiable view of section
// authority and membership across the whole network: the section chain of
// BLS keys, the tree of known sections, and the locally owned
// NetworkKnowledge facade every other component queries.
//
// Grounded on the teacher's core/chain_fork_manager.go for branch/DAG
// bookkeeping style and core/kademlia.go for XOR-distance nearest-section
// lookups, generalized from a flat bucket table to a prefix trie.
package knowledge

import (
	"fmt"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/xorname"
)

// SectionSigned wraps a value with the section BLS signature over its
// canonical encoding. Generics stand in for the spec's SectionSigned<T>.
type SectionSigned[T any] struct {
	Value     T
	Signature blskeys.Signature
	PublicKey blskeys.PublicKey
}

// Verify checks Signature against PublicKey over the gob encoding of
// Value, the "canonical serialization" §3 refers to.
func (s SectionSigned[T]) Verify() (bool, error) {
	body, err := canonicalEncode(s.Value)
	if err != nil {
		return false, fmt.Errorf("knowledge: encode signed value: %w", err)
	}
	return blskeys.Verify(s.PublicKey, body, s.Signature), nil
}

// MemberState is the NodeState.state enum.
type MemberState uint8

const (
	Joined MemberState = iota
	Left
	Relocated
)

func (s MemberState) String() string {
	switch s {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Relocated:
		return "relocated"
	default:
		return "unknown"
	}
}

// NodeState records one section member.
type NodeState struct {
	Peer  identity.Peer
	Age   uint8
	State MemberState

	// Populated only when State == Relocated.
	DestinationPrefix xorname.Prefix
	NewName           xorname.XorName
}

// SectionAuthorityProvider is the public identity of a section at a point
// in time.
type SectionAuthorityProvider struct {
	Prefix     xorname.Prefix
	PublicKey  blskeys.PublicKey
	Elders     []identity.Peer // ordered, size == ElderCount
	Members    []NodeState
	Generation uint64
}

// ElderCount is the fixed target elder-set size per section.
const ElderCount = 7

// ElderNames returns the XorNames of the elder set, for membership/DKG
// participant-set comparisons.
func (s SectionAuthorityProvider) ElderNames() []xorname.XorName {
	out := make([]xorname.XorName, len(s.Elders))
	for i, e := range s.Elders {
		out[i] = e.Name
	}
	return out
}

// IsElder reports whether name belongs to the current elder set.
func (s SectionAuthorityProvider) IsElder(name xorname.XorName) bool {
	for _, e := range s.Elders {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Adults returns the non-elder Joined members of the section.
func (s SectionAuthorityProvider) Adults() []identity.Peer {
	var out []identity.Peer
	for _, m := range s.Members {
		if m.State != Joined || s.IsElder(m.Peer.Name) {
			continue
		}
		out = append(out, m.Peer)
	}
	return out
}
