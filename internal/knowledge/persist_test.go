package knowledge

import (
	"path/filepath"
	"testing"

	"stornet/internal/blskeys"
	"stornet/internal/identity"
	"stornet/internal/xorname"
)

func TestSaveLoadTreeRoundTrips(t *testing.T) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	elder := mustIdentity(t, "127.0.0.1:9010").AsPeer()
	genesisSAP := SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Members:    []NodeState{{Peer: elder, Age: 5, State: Joined}},
		Generation: 1,
	}
	signed := signSAP(t, shares[0], genesisSAP)

	tree, err := NewSectionTree(signed)
	if err != nil {
		t.Fatalf("new section tree: %v", err)
	}

	path := filepath.Join(t.TempDir(), "section_tree")
	if err := SaveTree(tree, path); err != nil {
		t.Fatalf("save tree: %v", err)
	}

	loaded, err := LoadTree(path)
	if err != nil {
		t.Fatalf("load tree: %v", err)
	}

	if loaded.Chain().Genesis() != tree.Chain().Genesis() {
		t.Fatalf("genesis key mismatch after round trip")
	}
	got, err := loaded.SectionByName(elder.Name)
	if err != nil {
		t.Fatalf("section by name after load: %v", err)
	}
	if got.Value.Generation != genesisSAP.Generation {
		t.Fatalf("expected generation %d, got %d", genesisSAP.Generation, got.Value.Generation)
	}
	if !loaded.Chain().Reachable(signed.PublicKey) {
		t.Fatalf("expected signed SAP's key to remain reachable after load")
	}
}

func TestLoadTreeMissingFile(t *testing.T) {
	if _, err := LoadTree(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected an error for a missing section tree file")
	}
}

func TestSaveTreeThenUpdateThenReload(t *testing.T) {
	set, shares, err := blskeys.GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate threshold: %v", err)
	}
	elder := mustIdentity(t, "127.0.0.1:9011").AsPeer()
	genesisSAP := SectionAuthorityProvider{
		Prefix:     xorname.RootPrefix(),
		PublicKey:  set.Group,
		Elders:     []identity.Peer{elder},
		Generation: 1,
	}
	signed := signSAP(t, shares[0], genesisSAP)
	tree, err := NewSectionTree(signed)
	if err != nil {
		t.Fatalf("new section tree: %v", err)
	}

	updatedSAP := genesisSAP
	updatedSAP.Generation = 2
	updatedSigned := signSAP(t, shares[0], updatedSAP)
	if _, err := tree.Update(updatedSigned, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	path := filepath.Join(t.TempDir(), "section_tree")
	if err := SaveTree(tree, path); err != nil {
		t.Fatalf("save tree: %v", err)
	}
	loaded, err := LoadTree(path)
	if err != nil {
		t.Fatalf("load tree: %v", err)
	}
	got, err := loaded.SectionByName(elder.Name)
	if err != nil {
		t.Fatalf("section by name: %v", err)
	}
	if got.Value.Generation != 2 {
		t.Fatalf("expected generation 2 after reload, got %d", got.Value.Generation)
	}
}
