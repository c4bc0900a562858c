// Package identity defines a node's long-lived Ed25519 keypair and the
// lightweight Peer handle used to address other participants. Grounded on
// the teacher's core/security.go Ed25519 branch and core/common_structs.go
// PeerInfo shape, adapted to the spec's NodeIdentity/Peer fields (name,
// address, age) instead of RTT/miss-count health fields, which now live in
// package faultdetect.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"stornet/internal/xorname"
)

// NodeIdentity is an Ed25519 keypair; the public key's hash is the node's
// XorName. Age (0-255) is used for relocation eligibility.
type NodeIdentity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	Name    xorname.XorName
	Address string
	Age     uint8
}

// Generate creates a fresh NodeIdentity bound to address, with age 0.
func Generate(address string) (NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("identity: generate key: %w", err)
	}
	return NodeIdentity{
		Public:  pub,
		private: priv,
		Name:    nameFromPublicKey(pub),
		Address: address,
		Age:     0,
	}, nil
}

func nameFromPublicKey(pub ed25519.PublicKey) xorname.XorName {
	return sha256.Sum256(pub)
}

// Sign signs msg with the node's private key.
func (n NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(n.private, msg)
}

// Verify checks a signature produced by this identity's public key.
func (n NodeIdentity) Verify(msg, sig []byte) bool {
	return ed25519.Verify(n.Public, msg, sig)
}

// SigningKey exposes the private key to packages that need a crypto.Signer
// (e.g. package comm deriving a TLS certificate from the node's identity),
// without widening access to it as a plain exported field.
func (n NodeIdentity) SigningKey() ed25519.PrivateKey { return n.private }

// Save persists the keypair to path (0600), the "node.key" file per §6.
func (n NodeIdentity) Save(path string) error {
	blob := append(append([]byte{}, n.private...), []byte(n.Address)...)
	return os.WriteFile(path, blob, 0o600)
}

// Load reads a keypair previously written by Save. The stored blob is the
// raw private key followed by the original address string.
func Load(path string) (NodeIdentity, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return NodeIdentity{}, fmt.Errorf("identity: load key: %w", err)
	}
	if len(blob) < ed25519.PrivateKeySize {
		return NodeIdentity{}, fmt.Errorf("identity: key file truncated")
	}
	priv := ed25519.PrivateKey(blob[:ed25519.PrivateKeySize])
	addr := string(blob[ed25519.PrivateKeySize:])
	pub := priv.Public().(ed25519.PublicKey)
	return NodeIdentity{
		Public:  pub,
		private: priv,
		Name:    nameFromPublicKey(pub),
		Address: addr,
		Age:     0,
	}, nil
}

// Peer is a remote participant, equal iff names are equal.
type Peer struct {
	Name    xorname.XorName
	Address string
}

// Equal reports whether two peers denote the same participant.
func (p Peer) Equal(o Peer) bool { return p.Name == o.Name }

// String renders the peer for logs.
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", hex.EncodeToString(p.Name[:])[:8], p.Address)
}

// AsPeer narrows a NodeIdentity down to its public Peer handle.
func (n NodeIdentity) AsPeer() Peer { return Peer{Name: n.Name, Address: n.Address} }
