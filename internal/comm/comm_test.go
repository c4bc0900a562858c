package comm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/wire"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverID, err := identity.Generate("127.0.0.1:0")
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}
	clientID, err := identity.Generate("127.0.0.1:0")
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}

	handler := func(ctx context.Context, from identity.Peer, msg wire.WireMsg, token wire.StreamToken) (wire.WireMsg, bool) {
		payload, err := wire.DecodePayload(msg.Payload)
		if err != nil {
			t.Errorf("server decode: %v", err)
			return wire.WireMsg{}, false
		}
		get, ok := payload.(wire.GetData)
		if !ok {
			t.Errorf("unexpected payload type %T", payload)
			return wire.WireMsg{}, false
		}
		resp, err := wire.New(blskeys.PublicKey{}, wire.AuthNode, wire.DataResponse{
			Address: get.Address,
			Data:    []byte("pong"),
		})
		if err != nil {
			t.Errorf("server build response: %v", err)
			return wire.WireMsg{}, false
		}
		return resp, true
	}

	server, err := New(ctx, serverID, "127.0.0.1:0", handler, discardLogger())
	if err != nil {
		t.Fatalf("new server transport: %v", err)
	}
	defer server.Close()

	client, err := New(ctx, clientID, "127.0.0.1:0", func(context.Context, identity.Peer, wire.WireMsg, wire.StreamToken) (wire.WireMsg, bool) {
		return wire.WireMsg{}, false
	}, discardLogger())
	if err != nil {
		t.Fatalf("new client transport: %v", err)
	}
	defer client.Close()

	req, err := wire.New(blskeys.PublicKey{}, wire.AuthClient, wire.GetData{
		Address: wire.DataAddress{Kind: wire.AddrChunk},
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := client.Send(ctx, identity.Peer{Address: server.Addr()}, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	decoded, err := wire.DecodePayload(resp.Payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	dr, ok := decoded.(wire.DataResponse)
	if !ok {
		t.Fatalf("expected DataResponse, got %T", decoded)
	}
	if string(dr.Data) != "pong" {
		t.Fatalf("unexpected response data: %q", dr.Data)
	}
}
