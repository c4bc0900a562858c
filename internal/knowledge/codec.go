package knowledge

import (
	"bytes"
	"encoding/gob"

	"stornet/internal/blskeys"
)

// canonicalEncode renders v as the canonical byte sequence signatures are
// computed and verified over. gob's struct-field order encoding gives a
// deterministic byte sequence per concrete type, matching the wire
// protocol's own choice of gob as the canonical codec (§6).
func canonicalEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Sign wraps value in a SectionSigned, signing its canonical encoding with
// share under groupKey. Exposed so callers outside this package (the join-
// admission path in package dispatch, which mints an updated
// SectionAuthorityProvider when an elder admits a new member) mint signed
// values the same way UpdateSAP/Verify expect, without duplicating the
// canonical encoding.
func Sign[T any](value T, share blskeys.SecretKeyShare, groupKey blskeys.PublicKey) (SectionSigned[T], error) {
	body, err := canonicalEncode(value)
	if err != nil {
		return SectionSigned[T]{}, err
	}
	return SectionSigned[T]{Value: value, Signature: share.Sign(body), PublicKey: groupKey}, nil
}
