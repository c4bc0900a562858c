package storage

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"stornet/internal/xorname"
)

// RegisterOp is one signed operation appended to a register's log. Op is
// kept opaque (gob blob) so storage does not need to know the CRDT's exact
// payload shape, matching the Cmd/wire "opaque payload" convention used
// elsewhere.
type RegisterOp struct {
	OpID      [16]byte
	Op        []byte // gob-encoded register command (e.g. an OR-Set insert/remove)
	SignerSig []byte
}

// Register is the replayed state of a register's op log: every entry
// ordered causally (here, by OpID byte order, a stand-in for the causal
// order a real CRDT dependency-vector would give — append_op callers are
// expected to have already validated causal admissibility before writing).
type Register struct {
	Entries []RegisterOp
}

func (s *DiskStore) registerDir(registerID xorname.XorName) string {
	return filepath.Join(s.root, "registers", hex.EncodeToString(registerID[:]))
}

// AppendOp appends op to registerID's log. Idempotent on (registerID,
// op.OpID): re-appending an already-seen op is a no-op success.
func (s *DiskStore) AppendOp(registerID xorname.XorName, op RegisterOp) error {
	dir := s.registerDir(registerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir register dir: %w", err)
	}
	path := filepath.Join(dir, hex.EncodeToString(op.OpID[:])+".op")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("storage: create op file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return fmt.Errorf("storage: encode op: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("storage: write op: %w", err)
	}
	return f.Sync()
}

// ReadRegister reads and replays registerID's op log in op-id order.
func (s *DiskStore) ReadRegister(registerID xorname.XorName) (Register, error) {
	dir := s.registerDir(registerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Register{}, ErrNotFound
		}
		return Register{}, fmt.Errorf("storage: list register ops: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // hex op-id lexical order == causal-id order by construction

	var reg Register
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return Register{}, fmt.Errorf("storage: read op %s: %w", name, err)
		}
		var op RegisterOp
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&op); err != nil {
			return Register{}, fmt.Errorf("storage: decode op %s: %w", name, err)
		}
		reg.Entries = append(reg.Entries, op)
	}
	if len(reg.Entries) == 0 {
		return Register{}, ErrNotFound
	}
	return reg, nil
}
