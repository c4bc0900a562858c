package xorname

import (
	"bytes"
	"encoding/gob"
	"testing"
)

func nameWithByte(b byte) XorName {
	var n XorName
	n[0] = b
	return n
}

func TestPrefixMatches(t *testing.T) {
	p := NewPrefix(nameWithByte(0b1010_0000), 3)
	if !p.Matches(nameWithByte(0b1010_1111)) {
		t.Fatalf("expected prefix to match name sharing first 3 bits")
	}
	if p.Matches(nameWithByte(0b0010_0000)) {
		t.Fatalf("expected prefix not to match name differing in first bit")
	}
}

func TestPrefixPushBitAndSibling(t *testing.T) {
	root := RootPrefix()
	zero := root.PushBit(0)
	one := root.PushBit(1)
	if !zero.Sibling().Equal(one) {
		t.Fatalf("siblings should differ only in final bit")
	}
	if zero.Parent().Len() != 0 {
		t.Fatalf("parent of depth-1 prefix should be root")
	}
}

func TestClosestByDistance(t *testing.T) {
	target := nameWithByte(0x00)
	names := []XorName{nameWithByte(0xF0), nameWithByte(0x01), nameWithByte(0x80)}
	SortByDistance(target, names)
	if names[0] != nameWithByte(0x01) {
		t.Fatalf("expected closest name first, got %v", names)
	}
}

func TestCommonPrefixLen(t *testing.T) {
	a := nameWithByte(0b1111_0000)
	b := nameWithByte(0b1110_0000)
	if got := CommonPrefixLen(a, b); got != 3 {
		t.Fatalf("expected common prefix length 3, got %d", got)
	}
}

func TestPrefixGobRoundTrip(t *testing.T) {
	p := NewPrefix(nameWithByte(0b1010_0000), 3)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Prefix
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("expected %v, got %v after gob round trip", p, got)
	}
	if got.Len() != 3 {
		t.Fatalf("expected bit length to survive round trip, got %d", got.Len())
	}
}

func TestPrefixIsExtensionOf(t *testing.T) {
	parent := NewPrefix(nameWithByte(0b1000_0000), 1)
	child := NewPrefix(nameWithByte(0b1100_0000), 2)
	if !child.IsExtensionOf(parent) {
		t.Fatalf("expected child to extend parent")
	}
	if parent.IsExtensionOf(child) {
		t.Fatalf("parent must not be considered an extension of its child")
	}
}
