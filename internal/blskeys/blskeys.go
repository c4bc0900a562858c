// Package blskeys wraps github.com/herumi/bls-eth-go-binary/bls with the
// threshold-signature operations the core needs: per-share signing,
// signature-share recovery into a group signature, and section-key
// verification. Grounded on the teacher's core/security.go BLS section
// (Sign/Verify/AggregateBLSSigs/VerifyAggregated), generalized from ad hoc
// aggregation into proper Shamir-threshold recovery via bls.Sign.Recover,
// since SAPs and DKG outcomes require "any t-of-n shares reconstruct the
// group signature", not plain multi-sig aggregation.
package blskeys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/herumi/bls-eth-go-binary/bls"
)

var initOnce sync.Once
var initErr error

func ensureInit() error {
	initOnce.Do(func() {
		initErr = bls.Init(bls.BLS12_381)
		if initErr == nil {
			initErr = bls.SetETHmode(bls.EthModeDraft07)
		}
	})
	return initErr
}

// Compressed serialized sizes for BLS12-381 in ETH mode: public keys live in
// G1 (48 bytes), signatures in G2 (96 bytes).
const (
	publicKeySize = 48
	signatureSize = 96
)

// PublicKey is a serialized BLS12-381 group public key, used as a section
// key or a per-elder public share.
type PublicKey [publicKeySize]byte

// String renders the key as hex, used as a map key and in logs.
func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) toBLS() (bls.PublicKey, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(k[:]); err != nil {
		return bls.PublicKey{}, fmt.Errorf("deserialize public key: %w", err)
	}
	return pk, nil
}

// Signature is a serialized BLS12-381 signature, either a per-share
// signature or a recovered threshold/aggregate signature.
type Signature [signatureSize]byte

func (s Signature) toBLS() (bls.Sign, error) {
	var sig bls.Sign
	if err := sig.Deserialize(s[:]); err != nil {
		return bls.Sign{}, fmt.Errorf("deserialize signature: %w", err)
	}
	return sig, nil
}

// SecretKeyShare is one participant's share of a threshold secret, indexed
// by a 1-based participant ID within a DKG session.
type SecretKeyShare struct {
	ID  uint64
	Key bls.SecretKey
}

// PublicKeySet is the public output of a DKG round: the group public key
// plus each participant's public key share, indexed by participant ID.
type PublicKeySet struct {
	Group  PublicKey
	Shares map[uint64]PublicKey
}

// GenerateThreshold runs a trusted-dealer simulation of a (threshold, total)
// DKG round and returns the group key and each participant's share. The
// real protocol (see package dkg) performs this distributedly via Pedersen
// commitments; this helper is used for tests and for the first, bootstrap
// section whose sole elder must originate its own section key.
func GenerateThreshold(threshold, total int) (PublicKeySet, []SecretKeyShare, error) {
	if err := ensureInit(); err != nil {
		return PublicKeySet{}, nil, err
	}
	if threshold <= 0 || threshold > total {
		return PublicKeySet{}, nil, errors.New("blskeys: invalid threshold")
	}
	master := make([]bls.SecretKey, threshold)
	for i := range master {
		master[i].SetByCSPRNG()
	}

	shares := make([]SecretKeyShare, total)
	set := PublicKeySet{Shares: make(map[uint64]PublicKey, total)}
	for i := 0; i < total; i++ {
		id := uint64(i + 1)
		var blsID bls.ID
		if err := blsID.SetDecString(fmt.Sprintf("%d", id)); err != nil {
			return PublicKeySet{}, nil, fmt.Errorf("participant id: %w", err)
		}
		var sk bls.SecretKey
		if err := sk.Set(master, &blsID); err != nil {
			return PublicKeySet{}, nil, fmt.Errorf("derive share %d: %w", id, err)
		}
		shares[i] = SecretKeyShare{ID: id, Key: sk}
		pk := sk.GetPublicKey()
		var pkBytes PublicKey
		copy(pkBytes[:], pk.Serialize())
		set.Shares[id] = pkBytes
	}
	groupPub := master[0].GetPublicKey()
	copy(set.Group[:], groupPub.Serialize())
	return set, shares, nil
}

// Sign produces a per-share signature over msg.
func (s SecretKeyShare) Sign(msg []byte) Signature {
	sig := s.Key.SignByte(msg)
	var out Signature
	copy(out[:], sig.Serialize())
	return out
}

// Verify checks sig against msg under pub.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	pk, err := pub.toBLS()
	if err != nil {
		return false
	}
	s, err := sig.toBLS()
	if err != nil {
		return false
	}
	return s.VerifyByte(&pk, msg)
}

// Share is one participant's signature share plus its ID, the input to
// RecoverSignature / RecoverPublicKey.
type Share struct {
	ID        uint64
	Signature Signature
}

// RecoverSignature reconstructs the group signature from t-of-n signature
// shares over the same message via Lagrange interpolation. Returns an error
// if no shares are supplied, any share fails to parse, or recovery fails.
// It does not know the threshold, so a set of fewer than threshold shares is
// not rejected here; callers must supply at least threshold distinct shares
// for a meaningful result.
func RecoverSignature(shares []Share) (Signature, error) {
	if len(shares) == 0 {
		return Signature{}, errors.New("blskeys: no shares to recover from")
	}
	sigVec := make([]bls.Sign, len(shares))
	idVec := make([]bls.ID, len(shares))
	for i, sh := range shares {
		sig, err := sh.Signature.toBLS()
		if err != nil {
			return Signature{}, fmt.Errorf("share %d: %w", sh.ID, err)
		}
		sigVec[i] = sig
		if err := idVec[i].SetDecString(fmt.Sprintf("%d", sh.ID)); err != nil {
			return Signature{}, fmt.Errorf("share %d id: %w", sh.ID, err)
		}
	}
	var recovered bls.Sign
	if err := recovered.Recover(sigVec, idVec); err != nil {
		return Signature{}, fmt.Errorf("recover signature: %w", err)
	}
	var out Signature
	copy(out[:], recovered.Serialize())
	return out, nil
}

// ParentSign signs a child public key with a parent secret key, producing
// the link used in the section chain DAG (each non-root chain key carries a
// signature by its parent key).
func ParentSign(parent SecretKeyShare, child PublicKey) Signature {
	return parent.Sign(child[:])
}

// VerifyLink checks that child was vouched for by parent via sig, the
// section-chain DAG edge verification primitive.
func VerifyLink(parent PublicKey, child PublicKey, sig Signature) bool {
	return Verify(parent, child[:], sig)
}
