package blskeys

import "testing"

func TestThresholdSignAndRecover(t *testing.T) {
	set, shares, err := GenerateThreshold(3, 5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("section-authority-provider-v1")

	var sigShares []Share
	for _, sh := range shares[:3] {
		if !Verify(set.Shares[sh.ID], msg, sh.Sign(msg)) {
			t.Fatalf("share %d failed to self-verify", sh.ID)
		}
		sigShares = append(sigShares, Share{ID: sh.ID, Signature: sh.Sign(msg)})
	}

	recovered, err := RecoverSignature(sigShares)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !Verify(set.Group, msg, recovered) {
		t.Fatalf("recovered signature did not verify against group key")
	}
}

func TestVerifyLink(t *testing.T) {
	parentSet, parentShares, err := GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate parent: %v", err)
	}
	childSet, _, err := GenerateThreshold(1, 1)
	if err != nil {
		t.Fatalf("generate child: %v", err)
	}
	sig := ParentSign(parentShares[0], childSet.Group)
	if !VerifyLink(parentSet.Group, childSet.Group, sig) {
		t.Fatalf("expected link to verify")
	}
}
