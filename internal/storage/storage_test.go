package storage

import (
	"testing"

	"stornet/internal/wire"
	"stornet/internal/xorname"
)

func TestPutGetIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{9, 9, 9}}
	if err := s.Put(addr, []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(addr, []byte("hello")); err != nil {
		t.Fatalf("second put should be a no-op, got: %v", err)
	}
	got, err := s.Get(addr)
	if err != nil || string(got) != "hello" {
		t.Fatalf("get: %v %q", err, got)
	}
	if s.UsedSpaceBytes() != 5 {
		t.Fatalf("expected used space 5, got %d", s.UsedSpaceBytes())
	}
}

func TestGetNotFound(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = s.Get(wire.DataAddress{Kind: wire.AddrChunk})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsWhenFull(t *testing.T) {
	s, err := Open(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{1}}
	if err := s.Put(addr, []byte("toolong")); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestDeleteReclaimsSpace(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{2}}
	if err := s.Put(addr, []byte("data")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(addr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(addr); err != ErrNotFound {
		t.Fatalf("expected deleted chunk to be gone, got %v", err)
	}
	if s.UsedSpaceBytes() != 0 {
		t.Fatalf("expected used space reclaimed, got %d", s.UsedSpaceBytes())
	}
}

func TestListAddressesSorted(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	addrs := []wire.DataAddress{
		{Kind: wire.AddrChunk, Name: xorname.XorName{3}},
		{Kind: wire.AddrChunk, Name: xorname.XorName{1}},
		{Kind: wire.AddrChunk, Name: xorname.XorName{2}},
	}
	for _, a := range addrs {
		if err := s.Put(a, []byte("x")); err != nil {
			t.Fatalf("put %v: %v", a, err)
		}
	}
	got := s.ListAddresses()
	if len(got) != 3 {
		t.Fatalf("expected 3 addresses, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Name.String() > got[i].Name.String() {
			t.Fatalf("expected sorted addresses, got %v", got)
		}
	}
}

func TestOpenEncryptedRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 7
	s, err := OpenEncrypted(t.TempDir(), 0, key)
	if err != nil {
		t.Fatalf("open encrypted: %v", err)
	}
	addr := wire.DataAddress{Kind: wire.AddrChunk, Name: xorname.XorName{6}}
	if err := s.Put(addr, []byte("secret bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(addr)
	if err != nil || string(got) != "secret bytes" {
		t.Fatalf("get: %v %q", err, got)
	}
}

func TestRegisterAppendAndReplay(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	regID := xorname.XorName{5}
	op1 := RegisterOp{OpID: [16]byte{1}, Op: []byte("insert a")}
	op2 := RegisterOp{OpID: [16]byte{2}, Op: []byte("insert b")}
	if err := s.AppendOp(regID, op1); err != nil {
		t.Fatalf("append op1: %v", err)
	}
	if err := s.AppendOp(regID, op1); err != nil {
		t.Fatalf("re-append op1 should be idempotent, got: %v", err)
	}
	if err := s.AppendOp(regID, op2); err != nil {
		t.Fatalf("append op2: %v", err)
	}
	reg, err := s.ReadRegister(regID)
	if err != nil {
		t.Fatalf("read register: %v", err)
	}
	if len(reg.Entries) != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", len(reg.Entries))
	}
}
