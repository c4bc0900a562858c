package dispatch

import (
	"stornet/internal/blskeys"
	"stornet/internal/knowledge"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// AEOutcome classifies the result of the centralized AE check every
// inbound HandleMsg runs first, per §4.3.
type AEOutcome uint8

const (
	AEProceed  AEOutcome = iota // destination key matches ours; continue normal processing
	AERetry                    // we are newer: reply AntiEntropyRetry with our signed SAP
	AERedirect                 // unknown/newer/sibling: reply AntiEntropyRedirect
	AEDrop                     // older, untrusted, no proof chain linking the two: drop
)

// CheckAntiEntropy implements §4.3's five-step centralized AE check
// against the message's declared destination section key.
func CheckAntiEntropy(nk *knowledge.NetworkKnowledge, dstSectionKey blskeys.PublicKey) AEOutcome {
	our := nk.OurSectionKey()
	if dstSectionKey == our {
		return AEProceed
	}

	// Step 3: the sender's declared key is an ancestor of ours (we are
	// newer) iff it is still reachable in our chain DAG — every ancestor
	// key remains vouched for, but no longer equals our current key.
	if nk.Tree().Chain().Reachable(dstSectionKey) {
		return AERetry
	}

	// Step 4/5: unknown to us entirely, or a sibling/newer key we haven't
	// caught up to — redirect to whichever SAP we believe serves the
	// destination. An older key that no proof chain links to ours also
	// lands here and is redirected, not dropped; handleMsg drops the
	// message only when BuildRedirect fails.
	return AERedirect
}

// BuildRetry constructs the AntiEntropyRetry payload carrying our signed
// SAP, for the AERetry outcome.
func BuildRetry(nk *knowledge.NetworkKnowledge, bounce wire.MsgID) (wire.AntiEntropyRetry, error) {
	ourSAP, err := nk.SectionByName(nk.OurPrefix().AsName())
	if err != nil {
		return wire.AntiEntropyRetry{}, err
	}
	body, err := EncodeSignedSAP(ourSAP)
	if err != nil {
		return wire.AntiEntropyRetry{}, err
	}
	return wire.AntiEntropyRetry{EmbeddedSAPBytes: body, BounceMsgID: bounce}, nil
}

// BuildRedirect constructs the AntiEntropyRedirect payload carrying the
// SAP we believe actually serves destName, for the AERedirect outcome.
func BuildRedirect(nk *knowledge.NetworkKnowledge, destName xorname.XorName, bounce wire.MsgID) (wire.AntiEntropyRedirect, error) {
	sap, err := nk.ClosestSection(destName, nil)
	if err != nil {
		return wire.AntiEntropyRedirect{}, err
	}
	body, err := EncodeSignedSAP(sap)
	if err != nil {
		return wire.AntiEntropyRedirect{}, err
	}
	return wire.AntiEntropyRedirect{EmbeddedSAPBytes: body, BounceMsgID: bounce}, nil
}
