package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadContactsSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.txt")
	contents := "# seed nodes\n127.0.0.1:9100\n\n127.0.0.1:9101\n# trailing comment\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write contacts file: %v", err)
	}

	contacts, err := readContacts(path)
	if err != nil {
		t.Fatalf("readContacts: %v", err)
	}
	want := []string{"127.0.0.1:9100", "127.0.0.1:9101"}
	if len(contacts) != len(want) {
		t.Fatalf("expected %v, got %v", want, contacts)
	}
	for i := range want {
		if contacts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, contacts)
		}
	}
}

func TestReadContactsEmptyPath(t *testing.T) {
	contacts, err := readContacts("")
	if err != nil {
		t.Fatalf("readContacts: %v", err)
	}
	if contacts != nil {
		t.Fatalf("expected nil contacts for empty path, got %v", contacts)
	}
}

func TestReadContactsMissingFile(t *testing.T) {
	if _, err := readContacts(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected an error for a missing contacts file")
	}
}

func TestDecodeStorageKeyRejectsWrongLength(t *testing.T) {
	if _, err := decodeStorageKey("abcd"); err == nil {
		t.Fatalf("expected an error for a too-short key")
	}
}

func TestDecodeStorageKeyAccepts32Bytes(t *testing.T) {
	hex64 := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	key, err := decodeStorageKey(hex64)
	if err != nil {
		t.Fatalf("decodeStorageKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected a 32-byte key, got %d", len(key))
	}
}
