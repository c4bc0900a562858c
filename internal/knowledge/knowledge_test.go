package knowledge

import (
	"testing"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/xorname"
)

func mustIdentity(t *testing.T, addr string) identity.NodeIdentity {
	t.Helper()
	id, err := identity.Generate(addr)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func signSAP(t *testing.T, key blskeys.SecretKeyShare, sap SectionAuthorityProvider) SectionSigned[SectionAuthorityProvider] {
	t.Helper()
	body, err := canonicalEncode(sap)
	if err != nil {
		t.Fatalf("encode sap: %v", err)
	}
	return SectionSigned[SectionAuthorityProvider]{
		Value:     sap,
		Signature: key.Sign(body),
		PublicKey: sap.PublicKey,
	}
}

func TestNetworkKnowledgeBootstrapAndQuery(t *testing.T) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	elder := mustIdentity(t, "127.0.0.1:9001").AsPeer()
	genesisSAP := SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Members:    []NodeState{{Peer: elder, Age: 5, State: Joined}},
		Generation: 1,
	}
	signed := signSAP(t, shares[0], genesisSAP)

	nk, err := New(signed)
	if err != nil {
		t.Fatalf("new knowledge: %v", err)
	}

	elders, err := nk.OurElders()
	if err != nil || len(elders) != 1 || !elders[0].Equal(elder) {
		t.Fatalf("unexpected elders: %+v err=%v", elders, err)
	}

	got, err := nk.SectionByName(elder.Name)
	if err != nil {
		t.Fatalf("section by name: %v", err)
	}
	if got.Value.Generation != 1 {
		t.Fatalf("unexpected generation: %d", got.Value.Generation)
	}
}

func TestUpdateSAPRejectsOutdatedGeneration(t *testing.T) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	elder := mustIdentity(t, "127.0.0.1:9002").AsPeer()
	sap := SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Generation: 3,
	}
	signed := signSAP(t, shares[0], sap)
	nk, err := New(signed)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	stale := sap
	stale.Generation = 2
	staleSigned := signSAP(t, shares[0], stale)
	if _, err := nk.UpdateSAP(staleSigned, nil); err == nil {
		t.Fatalf("expected outdated generation error")
	}
}

func TestVerifySignedAgainstChain(t *testing.T) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	elder := mustIdentity(t, "127.0.0.1:9003").AsPeer()
	sap := SectionAuthorityProvider{Prefix: xorname.RootPrefix(), PublicKey: set.Group, Elders: []identity.Peer{elder}, Generation: 1}
	signed := signSAP(t, shares[0], sap)
	nk, err := New(signed)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !VerifySignedKnowledge(nk, signed) {
		t.Fatalf("expected signed SAP to verify against chain")
	}
}
