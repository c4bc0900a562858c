package wire

import (
	"stornet/internal/blskeys"
	"stornet/internal/xorname"
)

// The payload variants below are the tagged-union members §6 describes.
// Cross-cutting types owned by higher packages (SectionAuthorityProvider,
// membership Decision, DKG session state) are carried as opaque gob blobs
// (SAPBytes, VoteBytes, ...) rather than imported directly, so that package
// wire stays a leaf with no dependency on knowledge/membership/dkg/handover
// — those packages import wire, not the other way around, and re-encode
// their own types with EncodePayload/DecodePayload on each side. This
// mirrors the teacher's core/messages.go, which carries its payload as a
// hex blob decoded by the handler rather than by the queue itself.

// StoreData is a client write request for a chunk or register creation.
type StoreData struct {
	Address DataAddress
	Data    []byte
}

// GetData is a client read request for a chunk.
type GetData struct {
	Address DataAddress
}

// EditRegister applies a CRDT op to an existing register.
type EditRegister struct {
	Address  DataAddress
	OpBytes  []byte // gob-encoded register op, opaque to the transport
	ClientID xorname.XorName
}

// GetRegister fetches the current state of a register.
type GetRegister struct {
	Address DataAddress
}

// GetRegisterPermissions fetches a register's access policy.
type GetRegisterPermissions struct {
	Address DataAddress
}

// StoreAck acknowledges a successful write.
type StoreAck struct {
	Address DataAddress
}

// DataResponse carries the result of a GetData/GetRegister request, or an
// error string when the request could not be served.
type DataResponse struct {
	Address DataAddress
	Data    []byte
	Err     string
}

// AntiEntropyRetry asks the sender to resend its message once its knowledge
// is refreshed with EmbeddedSAP.
type AntiEntropyRetry struct {
	EmbeddedSAPBytes []byte
	BounceMsgID      MsgID
}

// AntiEntropyRedirect tells the sender its destination section has changed;
// EmbeddedSAPBytes carries the correct SAP to retry against.
type AntiEntropyRedirect struct {
	EmbeddedSAPBytes []byte
	BounceMsgID      MsgID
}

// AntiEntropyProbe is a periodic liveness+freshness probe sent to a random
// elder of a neighbour section.
type AntiEntropyProbe struct {
	OurSAPBytes []byte
}

// AntiEntropyUpdate pushes a fresher SectionTree slice to a peer believed to
// be behind.
type AntiEntropyUpdate struct {
	ProofChainBytes []byte
}

// MembershipVote carries a signed BFT membership proposal.
type MembershipVote struct {
	ProposalBytes []byte
	VoterName     xorname.XorName
	SigShare      blskeys.Signature
}

// MembershipDecisionMsg distributes a finalized, section-signed decision.
type MembershipDecisionMsg struct {
	DecisionBytes []byte
}

// MembershipAE requests the membership generations a lagging peer is
// missing.
type MembershipAE struct {
	SinceGeneration uint64
}

// DkgStart announces a new DKG session to its participants.
type DkgStart struct {
	SessionIDBytes []byte
	Participants   []xorname.XorName
	Threshold      int
}

// DkgVote carries one participant's contribution/complaint/justification
// round message for a session, opaque to transport framing.
type DkgVote struct {
	SessionIDBytes []byte
	RoundBytes     []byte
	From           xorname.XorName
}

// DkgNotReady asks the session owner to resend earlier round messages this
// node missed.
type DkgNotReady struct {
	SessionIDBytes []byte
}

// DkgSessionInfo fast-forwards a peer that is behind on session bytes.
type DkgSessionInfo struct {
	SessionIDBytes []byte
	HistoryBytes   []byte
}

// HandoverVote carries a signed ballot for a replacement SAP after split or
// elder change.
type HandoverVote struct {
	BallotBytes []byte
	VoterName   xorname.XorName
	SigShare    blskeys.Signature
}

// HandoverAE requests missing handover rounds from a peer.
type HandoverAE struct {
	Generation uint64
}

// ReplicateData pushes a single chunk/register to an adult taking on
// ownership after churn.
type ReplicateData struct {
	Address DataAddress
	Data    []byte
}

// ReplicateDataBatch batches multiple ReplicateData entries for one churn
// event, ordered by XOR distance to the new holder.
type ReplicateDataBatch struct {
	Items []ReplicateData
}

// CouldNotStore reports a failed replication write back to the elder that
// issued it, so it can pick the next-closest adult.
type CouldNotStore struct {
	Address DataAddress
	Reason  string
}

// InsufficientNodes answers a client StoreData/GetData when the section's
// known adult set is smaller than CHUNK_COPY_COUNT, per §4.4.1 step 5 —
// distinct from CouldNotStore, which reports a holder-side write failure
// rather than an absence of enough holders to try in the first place.
type InsufficientNodes struct {
	Address DataAddress
	Reason  string
}

// JoinAsNewNode is the first message a prospective node sends to its target
// section.
type JoinAsNewNode struct {
	Candidate identityPeerBytes
}

// identityPeerBytes is the gob-encoded identity.Peer, kept opaque here for
// the same leaf-package reason as the SAP/vote blobs above.
type identityPeerBytes = []byte

// JoinResponse answers a join attempt: approval, redirect, or rejection.
type JoinResponse struct {
	Approved     bool
	RedirectSAP  []byte
	RejectReason string
}

// Relocate notifies a node it has been selected for relocation.
type Relocate struct {
	DestinationSAPBytes []byte
	Proof               []byte
}

// JoinAsRelocated is the relocated node's join message to its new section,
// carrying proof of its previous section membership.
type JoinAsRelocated struct {
	Candidate identityPeerBytes
	Proof     []byte
}
