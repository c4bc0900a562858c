package wire

import (
	"bytes"
	"testing"

	"stornet/internal/blskeys"
	"stornet/internal/xorname"
)

func TestMarshalRoundTrip(t *testing.T) {
	set, _, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := DataAddress{Kind: AddrChunk, Name: xorname.XorName{1, 2, 3}}
	msg, err := New(set.Group, AuthClient, StoreData{Address: addr, Data: []byte("hello")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	framed, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(framed)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Header.MsgID != msg.Header.MsgID {
		t.Fatalf("msg id mismatch")
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload mismatch")
	}

	decoded, err := DecodePayload(got.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	sd, ok := decoded.(StoreData)
	if !ok {
		t.Fatalf("expected StoreData, got %T", decoded)
	}
	if sd.Address != addr || string(sd.Data) != "hello" {
		t.Fatalf("unexpected payload contents: %+v", sd)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	if _, err := Unmarshal([]byte("not a stor frame at all")); err == nil {
		t.Fatalf("expected error on bad magic")
	}
}

func TestCmdKindString(t *testing.T) {
	if CmdHandleMsg.String() != "handle_msg" {
		t.Fatalf("unexpected string: %s", CmdHandleMsg.String())
	}
}
