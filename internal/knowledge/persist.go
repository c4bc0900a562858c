package knowledge

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"stornet/internal/blskeys"
)

// persistedTree is the on-disk form of a SectionTree: the chain's genesis
// key, every vouched-for edge (so Reachable/VerifyProofChain work
// identically after a restart), and every leaf SAP. Flat and gob-friendly,
// mirroring how SectionChain and SectionTree already store themselves
// internally rather than introducing a second representation to keep in
// sync.
type persistedTree struct {
	Genesis blskeys.PublicKey
	Links   []chainLink
	Leaves  []SectionSigned[SectionAuthorityProvider]
}

// SaveTree serializes t to path as a self-contained gob snapshot, writing
// to a temp file first and renaming over path so a crash mid-write can
// never leave a corrupted section_tree file behind; LoadTree's caller
// falls back to a seed SAP if it ever does encounter one anyway, per
// §4.1's "if corrupted or missing, bootstrap from a seed SAP" rule.
func SaveTree(t *SectionTree, path string) error {
	snap := persistedTree{
		Genesis: t.Chain().Genesis(),
		Links:   t.Chain().links(),
		Leaves:  t.AllSAPs(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("knowledge: encode section tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("knowledge: create section tree dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("knowledge: write section tree: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("knowledge: install section tree: %w", err)
	}
	return nil
}

// LoadTree rebuilds a SectionTree previously written by SaveTree. Callers
// should treat any error (including a missing file, via os.IsNotExist) as
// "no usable persisted state" and bootstrap from a seed SAP instead —
// LoadTree itself does not distinguish missing from corrupted, since both
// are handled the same way by the caller.
func LoadTree(path string) (*SectionTree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap persistedTree
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("knowledge: decode section tree: %w", err)
	}
	if len(snap.Leaves) == 0 {
		return nil, fmt.Errorf("knowledge: persisted section tree has no leaves")
	}

	chain := NewSectionChain(snap.Genesis)
	// Links may reference children before parents depending on map
	// iteration order at save time; retry until a full pass inserts
	// nothing new, since every edge's parent is either genesis or another
	// edge in this same set.
	remaining := snap.Links
	for len(remaining) > 0 {
		next := remaining[:0]
		progressed := false
		for _, link := range remaining {
			if err := chain.Insert(link.Parent, link.Key, link.Sig); err != nil {
				if !chain.Has(link.Parent) {
					next = append(next, link)
					continue
				}
				return nil, fmt.Errorf("knowledge: rebuild chain: %w", err)
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("knowledge: rebuild chain: %d edges have no reachable parent", len(next))
		}
		remaining = next
	}

	t := &SectionTree{
		chain:  chain,
		leaves: make(map[string]SectionSigned[SectionAuthorityProvider], len(snap.Leaves)),
	}
	for _, leaf := range snap.Leaves {
		t.leaves[leaf.Value.Prefix.String()] = leaf
	}
	return t, nil
}
