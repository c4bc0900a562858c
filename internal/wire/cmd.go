package wire

import (
	"sync/atomic"
	"time"

	"stornet/internal/identity"
)

// Kind enumerates the Cmd variants §3 lists. A Cmd is a tagged struct
// rather than one interface implementation per variant: §9 asks for no
// runtime reflection in the hot dispatch path, and a single exhaustive
// switch on Kind is cheaper and easier to trace than a type switch over an
// interface, matching the teacher's core/opcode_dispatcher.go, which
// switches on an integer opcode rather than a registry of handlers.
type Kind uint8

const (
	CmdHandleMsg Kind = iota
	CmdSendMsg
	CmdSendMsgAndAwaitResponse
	CmdUpdateCaller
	CmdHandleMembershipDecision
	CmdHandleDkgOutcome
	CmdHandleNewSectionsAgreement
	CmdReplicateDataBatch
	CmdTrackIssue
	CmdScheduleTimeout
	CmdHandleTimeout
)

func (k Kind) String() string {
	switch k {
	case CmdHandleMsg:
		return "handle_msg"
	case CmdSendMsg:
		return "send_msg"
	case CmdSendMsgAndAwaitResponse:
		return "send_msg_and_await_response"
	case CmdUpdateCaller:
		return "update_caller"
	case CmdHandleMembershipDecision:
		return "handle_membership_decision"
	case CmdHandleDkgOutcome:
		return "handle_dkg_outcome"
	case CmdHandleNewSectionsAgreement:
		return "handle_new_sections_agreement"
	case CmdReplicateDataBatch:
		return "replicate_data_batch"
	case CmdTrackIssue:
		return "track_issue"
	case CmdScheduleTimeout:
		return "schedule_timeout"
	case CmdHandleTimeout:
		return "handle_timeout"
	default:
		return "unknown"
	}
}

// ID is a monotonic Cmd identity, used only for logging and fault-tracking
// causal chains, per §3's "Cmds carry a unique monotonic id".
type ID uint64

// Cmd is the single unit of work flowing through the bounded dispatch
// queue. Which of Msg/Recipients/Stream/Payload are populated depends on
// Kind; see the constructor functions below for the canonical shape of
// each variant.
type Cmd struct {
	ID       ID
	ParentID ID // 0 means no parent

	Kind Kind

	Msg        *WireMsg
	Origin     identity.Peer
	Recipients []identity.Peer

	// Stream carries the open-stream token SendMsgAndAwaitResponse and
	// UpdateCaller operate on; it is opaque to package wire (package comm
	// owns the concrete stream type) and is threaded through as an id the
	// transport layer can look up.
	Stream StreamToken

	// Payload carries kind-specific data that doesn't fit the fields
	// above: a MembershipDecision blob, a DKG session id + key share, a
	// SAP update set, a replication batch, a fault issue report, or a
	// timeout token/duration pair.
	Payload any

	Timeout time.Duration
}

// StreamToken identifies an open bidirectional stream held by package comm,
// so CmdSendMsgAndAwaitResponse/CmdUpdateCaller can reference it without
// wire depending on comm.
type StreamToken uint64

var nextCmdID = idGenerator{}

type idGenerator struct{ n uint64 }

// next is safe for concurrent use: Cmd ids are minted from the transport's
// inbound goroutines and the periodic sub-check goroutines as well as from
// the dispatch loop.
func (g *idGenerator) next() ID {
	return ID(atomic.AddUint64(&g.n, 1))
}

// NewID mints the next monotonic Cmd id from the shared generator.
func NewID() ID { return nextCmdID.next() }

// HandleMsg builds the Cmd for a just-received, not-yet-validated message.
func HandleMsg(msg WireMsg, origin identity.Peer) Cmd {
	return Cmd{ID: NewID(), Kind: CmdHandleMsg, Msg: &msg, Origin: origin}
}

// SendMsg builds the Cmd for a one-way transmission to recipients.
func SendMsg(msg WireMsg, recipients ...identity.Peer) Cmd {
	return Cmd{ID: NewID(), Kind: CmdSendMsg, Msg: &msg, Recipients: recipients}
}

// SendMsgAndAwaitResponse builds the Cmd for a request whose reply must be
// written back onto stream.
func SendMsgAndAwaitResponse(msg WireMsg, recipient identity.Peer, stream StreamToken) Cmd {
	return Cmd{ID: NewID(), Kind: CmdSendMsgAndAwaitResponse, Msg: &msg, Recipients: []identity.Peer{recipient}, Stream: stream}
}

// UpdateCaller builds the Cmd that writes response onto an already-open
// caller stream.
func UpdateCaller(stream StreamToken, response WireMsg) Cmd {
	return Cmd{ID: NewID(), Kind: CmdUpdateCaller, Msg: &response, Stream: stream}
}

// TrackIssue builds the Cmd reporting a fault observation about peer.
func TrackIssue(peer identity.Peer, issueKind any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdTrackIssue, Origin: peer, Payload: issueKind}
}

// ScheduleTimeout builds the Cmd that arms a timed continuation identified
// by token, fired after d.
func ScheduleTimeout(d time.Duration, token any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdScheduleTimeout, Timeout: d, Payload: token}
}

// HandleTimeout builds the Cmd delivered when a previously scheduled
// timeout token fires.
func HandleTimeout(token any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdHandleTimeout, Payload: token}
}

// HandleMembershipDecision builds the Cmd carrying a just-decided
// membership.Decision (opaque here to keep wire a leaf package; the
// corenode wiring that owns section state asserts the concrete type) for
// §4.2's "apply the decision to our SAP" step.
func HandleMembershipDecision(decision any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdHandleMembershipDecision, Payload: decision}
}

// HandleDkgOutcome builds the Cmd carrying the key share a terminated DKG
// session produced for this participant, per §4.2.2.
func HandleDkgOutcome(outcome any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdHandleDkgOutcome, Payload: outcome}
}

// HandleNewSectionsAgreement builds the Cmd carrying the handover.SectionInfo
// set a handover round unanimously agreed on, per §4.2.3.
func HandleNewSectionsAgreement(agreement any) Cmd {
	return Cmd{ID: NewID(), Kind: CmdHandleNewSectionsAgreement, Payload: agreement}
}

// WithParent returns a copy of c stamped with the id of the Cmd that
// spawned it, for causal tracing in logs.
func (c Cmd) WithParent(parent ID) Cmd {
	c.ParentID = parent
	return c
}
