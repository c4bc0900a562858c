package dispatch

import (
	"bytes"
	"context"
	"encoding/gob"

	"stornet/internal/faultdetect"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/membership"
	"stornet/internal/replication"
	"stornet/internal/storage"
	"stornet/internal/wire"
)

// MembershipRounds gives the dispatch handler a place to open/reuse the
// in-flight membership.Round for a generation and to learn who's voted,
// implemented by package corenode's Core, which owns the round alongside
// the section SAP it ultimately updates.
type MembershipRounds interface {
	RoundFor(gen uint64, elders []identity.Peer) *membership.Round
}

// Context bundles the subsystems a node's Handler routes Cmds to. It holds
// no locking of its own: every field already owns its concurrency (atomic
// snapshot swap in NetworkKnowledge, mutex-guarded Detector/DiskStore), so
// Context itself is a plain read-mostly struct, safe to share across the
// single dispatch goroutine and whatever calls TrackIssue from elsewhere.
type Context struct {
	Us          identity.Peer
	Knowledge   *knowledge.NetworkKnowledge
	Store       *storage.DiskStore
	Faults      *faultdetect.Detector
	Replication *replication.Coordinator
	ProbeDedup  *ProbeDedup
	Self        KeyShareSource   // may be nil before a signing share is ever set
	Rounds      MembershipRounds // may be nil; membership votes are dropped until set
}

// Handle is the Handler passed to Queue.Run: it switches on Kind, decodes
// HandleMsg payloads by concrete type, and returns whatever follow-up Cmds
// the Cmd produced. CmdSendMsg/CmdSendMsgAndAwaitResponse/CmdUpdateCaller
// carry no subsystem logic of their own — they are executed by package comm
// once emitted here, so Handle only ever produces them, never consumes them.
func (c *Context) Handle(ctx context.Context, cmd wire.Cmd) []wire.Cmd {
	switch cmd.Kind {
	case wire.CmdHandleMsg:
		return c.handleMsg(ctx, cmd)
	case wire.CmdTrackIssue:
		return c.handleTrackIssue(cmd)
	case wire.CmdReplicateDataBatch:
		return c.handleReplicateBatch(cmd)
	case wire.CmdHandleTimeout:
		return nil
	default:
		// CmdSendMsg, CmdSendMsgAndAwaitResponse, CmdUpdateCaller,
		// CmdHandleMembershipDecision, CmdHandleDkgOutcome,
		// CmdHandleNewSectionsAgreement and CmdScheduleTimeout are acted on
		// by the transport/corenode wiring that owns comm.Transport and the
		// section's membership/DKG/handover state machines; this Handler
		// only produces them from an inbound HandleMsg.
		return nil
	}
}

// reply answers cmd (a CmdHandleMsg) with msg. Every inbound message keeps
// its stream open until the dispatch queue answers it (see
// corenode.Core.handleCmd/comm.Transport.WriteResponse), so a reply always
// travels back as a CmdUpdateCaller on that same stream rather than an
// independent outbound Send to cmd.Origin: the peer we read cmd.Origin's
// address from may have dialed in from an ephemeral port with no reachable
// listener of its own, as an unannounced joining candidate does.
func (c *Context) reply(cmd wire.Cmd, msg wire.WireMsg) []wire.Cmd {
	return []wire.Cmd{wire.UpdateCaller(cmd.Stream, msg)}
}

func (c *Context) handleMsg(ctx context.Context, cmd wire.Cmd) []wire.Cmd {
	if cmd.Msg == nil {
		return nil
	}
	msg := *cmd.Msg

	outcome := CheckAntiEntropy(c.Knowledge, msg.Header.DstSectionKey)
	switch outcome {
	case AERetry:
		retry, err := BuildRetry(c.Knowledge, msg.Header.MsgID)
		if err != nil {
			return nil
		}
		reply, err := wire.New(msg.Header.DstSectionKey, wire.AuthSection, retry)
		if err != nil {
			return nil
		}
		return c.reply(cmd, reply)
	case AERedirect:
		redirect, err := BuildRedirect(c.Knowledge, c.Us.Name, msg.Header.MsgID)
		if err != nil {
			return nil
		}
		reply, err := wire.New(msg.Header.DstSectionKey, wire.AuthSection, redirect)
		if err != nil {
			return nil
		}
		return c.reply(cmd, reply)
	case AEDrop:
		return nil
	}

	payload, err := wire.DecodePayload(msg.Payload)
	if err != nil {
		return nil
	}

	switch p := payload.(type) {
	case wire.StoreData:
		return c.handleStoreData(ctx, cmd, p)
	case wire.GetData:
		return c.handleGetData(ctx, cmd, p)
	case wire.EditRegister:
		return c.handleEditRegister(cmd, p)
	case wire.GetRegister:
		return c.handleGetRegister(cmd, p)
	case wire.GetRegisterPermissions:
		return c.handleGetRegisterPermissions(cmd, p)
	case wire.ReplicateData:
		c.storeReplicated(p)
		return nil
	case wire.ReplicateDataBatch:
		for _, item := range p.Items {
			c.storeReplicated(item)
		}
		return nil
	case wire.AntiEntropyProbe:
		if c.ProbeDedup != nil && c.ProbeDedup.SeenBefore(p.OurSAPBytes) {
			return nil
		}
		return nil
	case wire.JoinAsNewNode:
		return c.handleJoin(cmd, p)
	case wire.MembershipVote:
		return c.handleMembershipVote(p)
	default:
		// Every other payload type, including DKG and handover votes,
		// produces no Cmds here, and corenode's handleCmd (which switches
		// only on Cmd kind) does not act on it either, so it is dropped.
		return nil
	}
}

// handleStoreData implements §4.4.1: an elder receiving a client write
// never stores locally, it forwards to the section's k-closest adults via
// Replication and relays whatever outcome comes back.
func (c *Context) handleStoreData(ctx context.Context, cmd wire.Cmd, p wire.StoreData) []wire.Cmd {
	if c.Replication == nil {
		return nil
	}
	adults, err := c.Knowledge.OurAdults()
	if err != nil {
		ack, _ := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.CouldNotStore{Address: p.Address, Reason: err.Error()})
		return c.reply(cmd, ack)
	}
	result, err := c.Replication.ForwardWrite(ctx, c.Knowledge.OurSectionKey(), adults, p.Address, p.Data)
	if err != nil {
		resp, werr := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.InsufficientNodes{Address: p.Address, Reason: err.Error()})
		if werr != nil {
			return nil
		}
		return c.reply(cmd, resp)
	}
	if len(result.Acked) == 0 {
		ack, _ := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.CouldNotStore{Address: p.Address, Reason: "no adult acknowledged the write"})
		return c.reply(cmd, ack)
	}
	ack, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.StoreAck{Address: p.Address})
	if err != nil {
		return nil
	}
	return c.reply(cmd, ack)
}

// handleGetData implements §4.4.2: an elder receiving a client read
// forwards it through Replication, which tries the closest adult first and
// retries the next-closest on failure or DataNotFound.
func (c *Context) handleGetData(ctx context.Context, cmd wire.Cmd, p wire.GetData) []wire.Cmd {
	if c.Replication == nil {
		return nil
	}
	adults, err := c.Knowledge.OurAdults()
	if err != nil {
		resp, _ := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.DataResponse{Address: p.Address, Err: err.Error()})
		return c.reply(cmd, resp)
	}
	dr, err := c.Replication.ForwardRead(ctx, c.Knowledge.OurSectionKey(), adults, p.Address)
	if err != nil {
		resp, werr := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.DataResponse{Address: p.Address, Err: err.Error()})
		if werr != nil {
			return nil
		}
		return c.reply(cmd, resp)
	}
	resp, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, dr)
	if err != nil {
		return nil
	}
	return c.reply(cmd, resp)
}

// handleEditRegister and its siblings below serve §4.4.4's register ops
// directly out of local storage: unlike chunks, a register's holder is
// whichever adult the client's own knowledge already routed the request
// to (register addresses don't participate in k-closest forwarding in this
// build), so no Replication round-trip is needed here.
func (c *Context) handleEditRegister(cmd wire.Cmd, p wire.EditRegister) []wire.Cmd {
	var op storage.RegisterOp
	if err := gob.NewDecoder(bytes.NewReader(p.OpBytes)).Decode(&op); err != nil {
		ack, _ := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.CouldNotStore{Address: p.Address, Reason: err.Error()})
		return c.reply(cmd, ack)
	}
	if err := c.Store.AppendOp(p.Address.Name, op); err != nil {
		if c.Faults != nil {
			c.Faults.TrackIssue(cmd.Origin.Name, faultdetect.Communication)
		}
		ack, _ := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.CouldNotStore{Address: p.Address, Reason: err.Error()})
		return c.reply(cmd, ack)
	}
	ack, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.StoreAck{Address: p.Address})
	if err != nil {
		return nil
	}
	return c.reply(cmd, ack)
}

func (c *Context) handleGetRegister(cmd wire.Cmd, p wire.GetRegister) []wire.Cmd {
	reg, err := c.Store.ReadRegister(p.Address.Name)
	var data []byte
	errStr := ""
	if err != nil {
		errStr = err.Error()
	} else {
		var buf bytes.Buffer
		if encErr := gob.NewEncoder(&buf).Encode(reg); encErr != nil {
			errStr = encErr.Error()
		} else {
			data = buf.Bytes()
		}
	}
	resp, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.DataResponse{Address: p.Address, Data: data, Err: errStr})
	if err != nil {
		return nil
	}
	return c.reply(cmd, resp)
}

// handleGetRegisterPermissions answers with the register's Create op, the
// only entry this repo's op-log CRDT models as establishing who may write —
// there is no separate permissions record to read.
func (c *Context) handleGetRegisterPermissions(cmd wire.Cmd, p wire.GetRegisterPermissions) []wire.Cmd {
	reg, err := c.Store.ReadRegister(p.Address.Name)
	var data []byte
	errStr := ""
	if err != nil {
		errStr = err.Error()
	} else {
		data = reg.Entries[0].Op
	}
	resp, err := wire.New(cmd.Msg.Header.DstSectionKey, wire.AuthNode, wire.DataResponse{Address: p.Address, Data: data, Err: errStr})
	if err != nil {
		return nil
	}
	return c.reply(cmd, resp)
}

// handleMembershipVote implements the receiving side of §4.2.1's round
// lifecycle: decode the proposal set a fellow elder voted for, fold the
// vote into our copy of the round for that generation, and once a
// threshold of identical votes has landed, hand the decided outcome to
// corenode as a CmdHandleMembershipDecision for it to apply to our SAP.
func (c *Context) handleMembershipVote(p wire.MembershipVote) []wire.Cmd {
	if c.Rounds == nil {
		return nil
	}
	var changes []membership.Proposal
	if err := gob.NewDecoder(bytes.NewReader(p.ProposalBytes)).Decode(&changes); err != nil {
		return nil
	}
	elders, err := c.Knowledge.OurElders()
	if err != nil {
		return nil
	}
	current, err := c.Knowledge.SectionByName(c.Knowledge.OurPrefix().AsName())
	if err != nil {
		return nil
	}
	gen := current.Value.Generation
	round := c.Rounds.RoundFor(gen, elders)
	vote := membership.Vote{Generation: gen, Changes: changes, Voter: p.VoterName, SigShare: p.SigShare}
	decision, decided, err := round.AddVote(vote)
	if err != nil || !decided {
		return nil
	}
	return []wire.Cmd{wire.HandleMembershipDecision(decision)}
}

func (c *Context) storeReplicated(p wire.ReplicateData) {
	_ = c.Store.Put(p.Address, p.Data)
}

func (c *Context) handleTrackIssue(cmd wire.Cmd) []wire.Cmd {
	if c.Faults == nil {
		return nil
	}
	kind, ok := cmd.Payload.(faultdetect.IssueKind)
	if !ok {
		return nil
	}
	c.RefreshRoles()
	c.Faults.TrackIssue(cmd.Origin.Name, kind)
	return nil
}

// RefreshRoles tells the fault detector which currently-known peers are
// elders versus adults, so its cohort comparison (§4.5: compare elders
// against elders, adults against adults) always has up-to-date membership
// to work with instead of the empty role set a fresh Detector starts with.
// Safe to call often; SetRole is a plain map write.
func (c *Context) RefreshRoles() {
	if c.Faults == nil || c.Knowledge == nil {
		return
	}
	if elders, err := c.Knowledge.OurElders(); err == nil {
		for _, e := range elders {
			c.Faults.SetRole(e.Name, faultdetect.RoleElder)
		}
	}
	if adults, err := c.Knowledge.OurAdults(); err == nil {
		for _, a := range adults {
			c.Faults.SetRole(a.Name, faultdetect.RoleAdult)
		}
	}
}

// handleReplicateBatch turns a planned churn-replication Batch (built by
// replication.PlanChurnReplication in the periodic loop's
// DataReplicationCheck) into a single outbound ReplicateDataBatch addressed
// to the new holder, reading each item's current bytes from local storage.
func (c *Context) handleReplicateBatch(cmd wire.Cmd) []wire.Cmd {
	batch, ok := cmd.Payload.(replication.Batch)
	if !ok {
		return nil
	}
	items := make([]wire.ReplicateData, 0, len(batch.Items))
	for _, item := range batch.Items {
		data, err := c.Store.Get(item.Address)
		if err != nil {
			continue
		}
		items = append(items, wire.ReplicateData{Address: item.Address, Data: data})
	}
	if len(items) == 0 {
		return nil
	}
	msg, err := wire.New(c.Knowledge.OurSectionKey(), wire.AuthNode, wire.ReplicateDataBatch{Items: items})
	if err != nil {
		return nil
	}
	return []wire.Cmd{wire.SendMsg(msg, batch.To)}
}
