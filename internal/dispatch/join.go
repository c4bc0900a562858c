package dispatch

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"stornet/internal/blskeys"
	"stornet/internal/errtype"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// KeyShareSource supplies the section BLS secret-key share this node holds,
// if any. Implemented by package corenode's Core so the join-admission path
// below never needs to import it back (corenode already imports dispatch).
type KeyShareSource interface {
	CurrentKeyShare() *blskeys.SecretKeyShare
}

// handleJoin admits a JoinAsNewNode candidate directly into the current
// SectionAuthorityProvider when this node is an elder holding a signing
// share. This mints a correctly-signed SAP update only for the threshold-1
// bootstrap section a genesis node starts (the lone elder's share equals
// the group secret for a 1-of-1 threshold set, see blskeys.GenerateThreshold);
// multi-elder admission requires collecting threshold-many membership.Round
// votes and combining them via blskeys.RecoverSignature, which is not yet
// wired from the periodic loop into this path (see DESIGN.md).
func (c *Context) handleJoin(cmd wire.Cmd, p wire.JoinAsNewNode) []wire.Cmd {
	elders, err := c.Knowledge.OurElders()
	if err != nil || !containsPeer(elders, c.Us.Name) {
		return nil
	}
	if c.Self == nil {
		return nil
	}
	share := c.Self.CurrentKeyShare()
	if share == nil {
		return c.rejectJoin(cmd, "no signing authority available yet")
	}
	candidate, err := decodePeer(p.Candidate)
	if err != nil {
		return nil
	}

	current, err := c.Knowledge.SectionByName(c.Knowledge.OurPrefix().AsName())
	if err != nil {
		return nil
	}
	for _, m := range current.Value.Members {
		if m.Peer.Name == candidate.Name {
			return c.acceptJoin(cmd, current)
		}
	}

	sap := current.Value
	sap.Members = append(append([]knowledge.NodeState{}, sap.Members...),
		knowledge.NodeState{Peer: candidate, Age: 0, State: knowledge.Joined})
	sap.Generation++

	signed, err := knowledge.Sign(sap, *share, current.PublicKey)
	if err != nil {
		return nil
	}
	if _, err := c.Knowledge.UpdateSAP(signed, nil); err != nil {
		// A KnowledgeStale outcome means our own view (not the candidate)
		// is the problem — e.g. another concurrent update already moved
		// our generation forward. Don't permanently reject the candidate
		// over our own staleness; drop silently so their retry/AE can
		// land once we've caught up, per §7's KnowledgeStale propagation
		// policy ("trigger AE, don't fault the peer").
		if errtype.Is(err, errtype.KnowledgeStale) {
			return nil
		}
		return c.rejectJoin(cmd, err.Error())
	}
	return c.acceptJoin(cmd, signed)
}

// acceptJoin and rejectJoin both answer on cmd's held-open stream: a
// candidate's JoinAsNewNode always arrives as a fresh dial (it has no prior
// section membership to be reached at independently), so a reply can only
// ever travel back over the same stream it asked on.
func (c *Context) acceptJoin(cmd wire.Cmd, signed knowledge.SectionSigned[knowledge.SectionAuthorityProvider]) []wire.Cmd {
	sapBytes, err := EncodeSignedSAP(signed)
	if err != nil {
		return nil
	}
	msg, err := wire.New(signed.PublicKey, wire.AuthSection, wire.JoinResponse{Approved: true, RedirectSAP: sapBytes})
	if err != nil {
		return nil
	}
	return c.reply(cmd, msg)
}

func (c *Context) rejectJoin(cmd wire.Cmd, reason string) []wire.Cmd {
	msg, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthSection, wire.JoinResponse{Approved: false, RejectReason: reason})
	if err != nil {
		return nil
	}
	return c.reply(cmd, msg)
}

func containsPeer(peers []identity.Peer, name xorname.XorName) bool {
	for _, p := range peers {
		if p.Name == name {
			return true
		}
	}
	return false
}

// decodePeer/EncodePeer and decodeSignedSAP/encodeSignedSAP gob-encode the
// opaque blobs JoinAsNewNode.Candidate and JoinResponse.RedirectSAP carry,
// mirroring the same leaf-package reasoning wire/payloads.go documents for
// keeping identity.Peer and SectionSigned out of the registered wire.Payload
// union (neither belongs to package wire).

// EncodePeer gob-encodes p for embedding in a JoinAsNewNode.Candidate blob;
// exported for the client-side bootstrap join sender.
func EncodePeer(p identity.Peer) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("dispatch: encode candidate peer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePeer(b []byte) (identity.Peer, error) {
	var p identity.Peer
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&p); err != nil {
		return identity.Peer{}, fmt.Errorf("dispatch: decode candidate peer: %w", err)
	}
	return p, nil
}

// EncodeSignedSAP gob-encodes s directly (not boxed in an `any`, unlike
// wire.EncodePayload), so it can be decoded back into its concrete type
// without registering a generic instantiation with the gob package. Used
// for every wire field that embeds a signed SAP as an opaque blob
// (AntiEntropyRetry/Redirect.EmbeddedSAPBytes, AntiEntropyProbe.OurSAPBytes,
// JoinResponse.RedirectSAP).
func EncodeSignedSAP(s knowledge.SectionSigned[knowledge.SectionAuthorityProvider]) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("dispatch: encode signed SAP: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSignedSAP decodes a SectionSigned[SectionAuthorityProvider] blob,
// exported for the client-side bootstrap join sender decoding
// JoinResponse.RedirectSAP once approved.
func DecodeSignedSAP(b []byte) (knowledge.SectionSigned[knowledge.SectionAuthorityProvider], error) {
	var s knowledge.SectionSigned[knowledge.SectionAuthorityProvider]
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("dispatch: decode signed SAP: %w", err)
	}
	return s, nil
}
