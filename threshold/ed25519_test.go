package threshold

import (
	"bytes"
	"testing"
)

func testGroup(t *testing.T, n int) ([]Share, GroupKey) {
	t.Helper()
	secret := bytes.Repeat([]byte{7}, 32)
	shares := make([]Share, 0, n)
	group := GroupKey{}
	for i := 1; i <= n; i++ {
		share, pub, err := ShareFromSecret(secret, uint32(i))
		if err != nil {
			t.Fatalf("ShareFromSecret: %v", err)
		}
		shares = append(shares, share)
		group.Members = append(group.Members, Member{ID: uint32(i), PublicKey: pub})
	}
	return shares, group
}

func signAll(t *testing.T, shares []Share, msg []byte) []Partial {
	t.Helper()
	var scheme Ed25519
	parts := make([]Partial, 0, len(shares))
	for _, share := range shares {
		nonce, err := NewNonce(msg)
		if err != nil {
			t.Fatalf("NewNonce: %v", err)
		}
		part, err := scheme.SignPartial(share, msg, nonce)
		if err != nil {
			t.Fatalf("SignPartial: %v", err)
		}
		parts = append(parts, part)
	}
	return parts
}

func TestAggregateVerifiesAtThreshold(t *testing.T) {
	var scheme Ed25519
	shares, group := testGroup(t, 3)
	group.Threshold = 2
	msg := []byte("binding message")

	parts := signAll(t, shares[:2], msg)
	for i, part := range parts {
		if !scheme.VerifyPartial(group.Members[i].PublicKey, msg, part) {
			t.Fatalf("partial %d does not verify", i)
		}
	}
	sig, err := scheme.Aggregate(parts)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !scheme.VerifyAggregate(group, msg, sig) {
		t.Fatal("aggregate at threshold should verify")
	}
	if n, err := scheme.Signers(sig); err != nil || n != 2 {
		t.Fatalf("Signers = %d, %v", n, err)
	}
	if scheme.VerifyAggregate(group, []byte("other message"), sig) {
		t.Fatal("aggregate verified against a different message")
	}
}

func TestAggregateBelowThresholdFails(t *testing.T) {
	var scheme Ed25519
	shares, group := testGroup(t, 3)
	group.Threshold = 3
	msg := []byte("m")

	sig, err := scheme.Aggregate(signAll(t, shares[:2], msg))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if scheme.VerifyAggregate(group, msg, sig) {
		t.Fatal("aggregate below threshold verified")
	}
}

func TestAggregateRejectsDuplicatesAndOutsiders(t *testing.T) {
	var scheme Ed25519
	shares, group := testGroup(t, 3)
	group.Threshold = 1
	msg := []byte("m")

	parts := signAll(t, shares[:1], msg)
	if _, err := scheme.Aggregate([]Partial{parts[0], parts[0]}); err == nil {
		t.Fatal("duplicate signer accepted")
	}

	outsider, _, err := GenerateShare(99)
	if err != nil {
		t.Fatalf("GenerateShare: %v", err)
	}
	sig, err := scheme.Aggregate(signAll(t, []Share{outsider}, msg))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if scheme.VerifyAggregate(group, msg, sig) {
		t.Fatal("signature from a non-member verified")
	}
}

func TestDeriveSeedDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, 32)
	a, err := DeriveSeed(secret, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := DeriveSeed(secret, 4)
	c, _ := DeriveSeed(secret, 5)
	if !bytes.Equal(a, b) {
		t.Fatal("same inputs derived different seeds")
	}
	if bytes.Equal(a, c) {
		t.Fatal("different signers derived the same seed")
	}
	if _, err := DeriveSeed([]byte("short"), 1); err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestNonCanonicalAggregateRejected(t *testing.T) {
	var scheme Ed25519
	shares, group := testGroup(t, 2)
	group.Threshold = 1
	msg := []byte("binding message")

	sig, err := scheme.Aggregate(signAll(t, shares, msg))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	nonces, err := scheme.Nonces(sig)
	if err != nil || len(nonces) != 2 {
		t.Fatalf("Nonces: %d %v", len(nonces), err)
	}
	if sig[0] != 0xa1 {
		t.Fatalf("aggregate does not start with a one-entry map: %#x", sig[0])
	}

	// same partials, map header in a longer form
	longHeader := append([]byte{0xb8, 0x01}, sig[1:]...)
	trailing := append(append([]byte(nil), sig...), 0xf6)
	for name, bad := range map[string]Signature{"long header": longHeader, "trailing": trailing} {
		if scheme.VerifyAggregate(group, msg, bad) {
			t.Fatalf("%s: re-encoded aggregate verifies", name)
		}
		if _, err := scheme.Nonces(bad); err == nil {
			t.Fatalf("%s: nonces decoded from re-encoded aggregate", name)
		}
	}
}
