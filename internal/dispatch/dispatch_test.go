package dispatch

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"stornet/internal/blskeys"
	"stornet/internal/faultdetect"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/replication"
	"stornet/internal/storage"
	"stornet/internal/wire"
	"stornet/internal/xorname"
)

// canonicalEncode mirrors the unexported helper package knowledge signs
// SAPs with, so tests here can produce a matching signature without
// reaching into that package's internals.
func canonicalEncode(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func adultNamed(b byte) identity.Peer {
	var n xorname.XorName
	n[0] = b
	return identity.Peer{Name: n, Address: "127.0.0.1:9"}
}

// mustKnowledge builds a single-elder SAP with ChunkCopyCount synthetic
// adults, so replication.Coordinator.ForwardWrite/ForwardRead have enough
// holders to succeed against in tests exercising the client write/read path.
func mustKnowledge(t *testing.T) (*knowledge.NetworkKnowledge, identity.Peer) {
	t.Helper()
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	id, err := identity.Generate("127.0.0.1:9100")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	elder := id.AsPeer()
	members := []knowledge.NodeState{{Peer: elder, Age: 5, State: knowledge.Joined}}
	for i := byte(1); i <= 4; i++ {
		members = append(members, knowledge.NodeState{Peer: adultNamed(i), Age: 5, State: knowledge.Joined})
	}
	sap := knowledge.SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Members:    members,
		Generation: 1,
	}
	signed := knowledge.SectionSigned[knowledge.SectionAuthorityProvider]{
		Value:     sap,
		Signature: shares[0].Sign(canonicalEncode(sap)),
		PublicKey: sap.PublicKey,
	}
	nk, err := knowledge.New(signed)
	if err != nil {
		t.Fatalf("new knowledge: %v", err)
	}
	return nk, elder
}

// fakeSender is a minimal replication.Sender that acks every ReplicateData with
// a StoreAck and every GetData with a canned DataResponse, mirroring package
// replication's own test double.
type fakeSender struct {
	storedData []byte
}

func (f *fakeSender) Send(_ context.Context, _ identity.Peer, msg wire.WireMsg) (wire.WireMsg, error) {
	payload, err := wire.DecodePayload(msg.Payload)
	if err != nil {
		return wire.WireMsg{}, err
	}
	switch p := payload.(type) {
	case wire.ReplicateData:
		f.storedData = p.Data
		return wire.New(blskeys.PublicKey{}, wire.AuthNode, wire.StoreAck{Address: p.Address})
	case wire.GetData:
		return wire.New(blskeys.PublicKey{}, wire.AuthNode, wire.DataResponse{Address: p.Address, Data: f.storedData})
	default:
		return wire.WireMsg{}, nil
	}
}

func newTestContext(t *testing.T) (*Context, identity.Peer) {
	t.Helper()
	nk, elder := mustKnowledge(t)
	store, err := storage.Open(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	faults := faultdetect.NewDetector()
	return &Context{
		Us:          elder,
		Knowledge:   nk,
		Store:       store,
		Faults:      faults,
		Replication: replication.New(&fakeSender{}, faults),
	}, elder
}

func TestHandleMsgAEProceedStoresData(t *testing.T) {
	c, elder := newTestContext(t)
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{7}}
	msg, err := wire.New(c.Knowledge.OurSectionKey(), wire.AuthClient, wire.StoreData{Address: addr, Data: []byte("hello")})
	if err != nil {
		t.Fatalf("build msg: %v", err)
	}
	cmd := wire.HandleMsg(msg, elder)
	out := c.Handle(context.Background(), cmd)
	if len(out) != 1 || out[0].Kind != wire.CmdUpdateCaller {
		t.Fatalf("expected one same-stream reply cmd, got %+v", out)
	}
	if out[0].Msg == nil {
		t.Fatalf("expected reply to carry a message")
	}
	payload, err := wire.DecodePayload(out[0].Msg.Payload)
	if err != nil {
		t.Fatalf("decode reply payload: %v", err)
	}
	ack, ok := payload.(wire.StoreAck)
	if !ok || ack.Address != addr {
		t.Fatalf("expected a StoreAck for %+v, got %+v", addr, payload)
	}
	// The elder itself never stores a client write locally — it only
	// forwards to the section's adults via Replication.
	if _, err := c.Store.Get(addr); err == nil {
		t.Fatalf("elder should not have stored the chunk locally")
	}
}

func TestHandleMsgGetDataForwardsThroughReplication(t *testing.T) {
	c, elder := newTestContext(t)
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{7}}
	storeMsg, err := wire.New(c.Knowledge.OurSectionKey(), wire.AuthClient, wire.StoreData{Address: addr, Data: []byte("hello")})
	if err != nil {
		t.Fatalf("build store msg: %v", err)
	}
	if out := c.Handle(context.Background(), wire.HandleMsg(storeMsg, elder)); len(out) != 1 {
		t.Fatalf("expected store to produce one reply, got %d", len(out))
	}

	getMsg, err := wire.New(c.Knowledge.OurSectionKey(), wire.AuthClient, wire.GetData{Address: addr})
	if err != nil {
		t.Fatalf("build get msg: %v", err)
	}
	out := c.Handle(context.Background(), wire.HandleMsg(getMsg, elder))
	if len(out) != 1 || out[0].Kind != wire.CmdUpdateCaller || out[0].Msg == nil {
		t.Fatalf("expected one same-stream reply cmd, got %+v", out)
	}
	payload, err := wire.DecodePayload(out[0].Msg.Payload)
	if err != nil {
		t.Fatalf("decode reply payload: %v", err)
	}
	resp, ok := payload.(wire.DataResponse)
	if !ok || string(resp.Data) != "hello" {
		t.Fatalf("expected forwarded read to return stored data, got %+v", payload)
	}
}

func TestHandleMsgAERedirectOnUnknownKey(t *testing.T) {
	c, elder := newTestContext(t)
	var unknown blskeys.PublicKey
	unknown[0] = 0xFF
	msg, err := wire.New(unknown, wire.AuthClient, wire.GetData{Address: wire.DataAddress{Name: xorname.XorName{1}}})
	if err != nil {
		t.Fatalf("build msg: %v", err)
	}
	cmd := wire.HandleMsg(msg, elder)
	out := c.Handle(context.Background(), cmd)
	if len(out) != 1 || out[0].Kind != wire.CmdUpdateCaller {
		t.Fatalf("expected a redirect reply on the held-open stream, got %+v", out)
	}
}

func TestHandleTrackIssueRecordsFault(t *testing.T) {
	c, elder := newTestContext(t)
	cmd := wire.TrackIssue(elder, faultdetect.Communication)
	c.Handle(context.Background(), cmd)
	// No other peer has any issue, so the cohort's mean and stddev are 0 and
	// the single tracked issue scores exactly 1.
	if score := c.Faults.DysfunctionScore(elder.Name); score != 1 {
		t.Fatalf("expected the tracked issue to score 1 against the elder, got %v", score)
	}
}

func TestHandleReplicateBatchForwardsHeldData(t *testing.T) {
	c, elder := newTestContext(t)
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{3}}
	if err := c.Store.Put(addr, []byte("payload")); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	var other xorname.XorName
	other[0] = 99
	dest := identity.Peer{Name: other, Address: "127.0.0.1:9200"}
	batch := replication.Batch{To: dest, Items: []replication.HeldItem{{Address: addr, Size: len("payload")}}}
	cmd := wire.Cmd{ID: wire.NewID(), Kind: wire.CmdReplicateDataBatch, Payload: batch}
	out := c.Handle(context.Background(), cmd)
	if len(out) != 1 || out[0].Kind != wire.CmdSendMsg {
		t.Fatalf("expected one outbound SendMsg, got %+v", out)
	}
	if len(out[0].Recipients) != 1 || !out[0].Recipients[0].Equal(dest) {
		t.Fatalf("unexpected recipient: %+v", out[0].Recipients)
	}
}

func TestPeriodicLoopFiresOnIdleQueue(t *testing.T) {
	q := NewQueue(4, nil)
	fired := make(chan struct{}, 1)
	loop := NewPeriodicLoop(q, nil, SubCheck{
		Name:     "test",
		Interval: 15 * time.Millisecond,
		Run: func(ctx context.Context) []wire.Cmd {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)
	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("periodic sub-check never fired")
	}
}
