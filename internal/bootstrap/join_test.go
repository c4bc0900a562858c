package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"stornet/internal/blskeys"
	"stornet/internal/corenode"
	"stornet/internal/identity"
	"stornet/internal/knowledge"
	"stornet/internal/xorname"
)

// Fixed loopback ports rather than ":0": the elder must be dialable at the
// address corenode.New binds it to, which an OS-assigned ephemeral port
// from ":0" cannot guarantee ahead of starting the listener.
const (
	elderAddr     = "127.0.0.1:19801"
	candidateAddr = "127.0.0.1:19802"
)

func newGenesis(t *testing.T, elder identity.Peer) (knowledge.SectionSigned[knowledge.SectionAuthorityProvider], blskeys.SecretKeyShare) {
	t.Helper()
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	sap := knowledge.SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Members:    []knowledge.NodeState{{Peer: elder, Age: 5, State: knowledge.Joined}},
		Generation: 1,
	}
	signed, err := knowledge.Sign(sap, shares[0], set.Group)
	if err != nil {
		t.Fatalf("sign genesis sap: %v", err)
	}
	return signed, shares[0]
}

func TestJoinAdmitsCandidateIntoGenesisSection(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	elderID, err := identity.Generate(elderAddr)
	if err != nil {
		t.Fatalf("generate elder identity: %v", err)
	}
	genesis, share := newGenesis(t, elderID.AsPeer())

	elder, err := corenode.New(ctx, corenode.Config{
		ListenAddress: elderAddr,
		StorageDir:    t.TempDir(),
		QueueCapacity: 16,
	}, elderID, genesis, log)
	if err != nil {
		t.Fatalf("start elder core: %v", err)
	}
	defer elder.Close()
	elder.SetKeyShare(share)

	candidateID, err := identity.Generate(candidateAddr)
	if err != nil {
		t.Fatalf("generate candidate identity: %v", err)
	}

	joinCtx, joinCancel := context.WithTimeout(ctx, 5*time.Second)
	defer joinCancel()
	signed, err := Join(joinCtx, candidateID, []string{elderAddr}, log)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if signed.Value.Generation != genesis.Value.Generation+1 {
		t.Fatalf("expected generation to advance by one, got %d", signed.Value.Generation)
	}
	found := false
	for _, m := range signed.Value.Members {
		if m.Peer.Name == candidateID.Name {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected candidate to appear in the admitted SAP's members, got %+v", signed.Value.Members)
	}
}
