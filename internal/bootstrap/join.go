// Package bootstrap implements the candidate side of the join handshake a
// node not starting with --first runs against its configured bootstrap
// contacts: send JoinAsNewNode with an unknown destination section key,
// follow the AntiEntropyRedirect/Retry the centralized AE check (§4.3)
// sends back to learn the real section key, resend addressed correctly,
// and decode the admitting elder's JoinResponse into the genesis
// SectionAuthorityProvider package corenode bootstraps NetworkKnowledge
// from.
//
// Grounded on the teacher's core/bootstrap_node.go dial-first-reachable-seed
// pattern, adapted to this repo's QUIC-based comm.Transport and the AE
// handshake in place of a libp2p DHT bootstrap. comm.Transport.Send already
// holds its stream open for one reply per call, so unlike an earlier draft
// of this package, no separate inbound handler or reply channel is needed
// here: the elder answers on the very stream this dials, even though the
// candidate has no listening address of its own yet.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stornet/internal/blskeys"
	"stornet/internal/comm"
	"stornet/internal/dispatch"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/wire"
)

// ErrRejected is returned when every bootstrap contact rejected the join
// attempt or none were reachable before ctx expired.
var ErrRejected = errors.New("bootstrap: join rejected or unreachable at every contact")

const (
	perStepTimeout = 10 * time.Second
	maxAERounds    = 3
)

// noopHandler answers nothing: a joining candidate never needs to accept
// inbound requests of its own, only to dial out and read replies.
func noopHandler(_ context.Context, _ identity.Peer, _ wire.WireMsg, _ wire.StreamToken) (wire.WireMsg, bool) {
	return wire.WireMsg{}, false
}

// Join attempts to join the section reachable through contacts, trying
// each in turn, and returns the admitting elder's signed genesis
// SectionAuthorityProvider on success.
func Join(ctx context.Context, self identity.NodeIdentity, contacts []string, log *logrus.Entry) (knowledge.SectionSigned[knowledge.SectionAuthorityProvider], error) {
	if len(contacts) == 0 {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, errors.New("bootstrap: no contacts configured")
	}

	transport, err := comm.New(ctx, self, self.Address, noopHandler, log)
	if err != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("bootstrap: start transport: %w", err)
	}
	defer transport.Close()

	candidateBytes, err := dispatch.EncodePeer(self.AsPeer())
	if err != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, err
	}

	var lastErr error
	for _, addr := range contacts {
		signed, err := joinVia(ctx, transport, identity.Peer{Address: addr}, candidateBytes)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("contact", addr).Warn("bootstrap: join attempt failed")
			continue
		}
		return signed, nil
	}
	if lastErr != nil {
		return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("%w: %v", ErrRejected, lastErr)
	}
	return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, ErrRejected
}

func joinVia(ctx context.Context, transport *comm.Transport, contact identity.Peer, candidateBytes []byte) (knowledge.SectionSigned[knowledge.SectionAuthorityProvider], error) {
	var dst blskeys.PublicKey
	for round := 0; round < maxAERounds; round++ {
		msg, err := wire.New(dst, wire.AuthNode, wire.JoinAsNewNode{Candidate: candidateBytes})
		if err != nil {
			return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, err
		}

		sendCtx, cancel := context.WithTimeout(ctx, perStepTimeout)
		reply, sendErr := transport.Send(sendCtx, contact, msg)
		cancel()
		if sendErr != nil {
			return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, sendErr
		}

		payload, err := wire.DecodePayload(reply.Payload)
		if err != nil {
			return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, err
		}

		switch p := payload.(type) {
		case wire.AntiEntropyRedirect:
			signed, err := dispatch.DecodeSignedSAP(p.EmbeddedSAPBytes)
			if err != nil {
				return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, err
			}
			dst = signed.PublicKey
			continue
		case wire.AntiEntropyRetry:
			signed, err := dispatch.DecodeSignedSAP(p.EmbeddedSAPBytes)
			if err != nil {
				return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, err
			}
			dst = signed.PublicKey
			continue
		case wire.JoinResponse:
			if !p.Approved {
				return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("bootstrap: join rejected: %s", p.RejectReason)
			}
			return dispatch.DecodeSignedSAP(p.RedirectSAP)
		default:
			return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("bootstrap: unexpected reply payload %T", p)
		}
	}
	return knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{}, fmt.Errorf("bootstrap: gave up after %d anti-entropy rounds", maxAERounds)
}
