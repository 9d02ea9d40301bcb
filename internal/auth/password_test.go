package auth

import (
	"strings"
	"testing"
)

func TestPasswordHasherRoundTrip(t *testing.T) {
	h := NewPasswordHasher(MinPasswordCost)

	hash, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}
	if !h.Verify("correct horse battery staple", hash) {
		t.Fatalf("expected verify to succeed")
	}
	if h.Verify("wrong password", hash) {
		t.Fatalf("expected verify to fail for wrong password")
	}
}

func TestPasswordHasherSaltsEveryHash(t *testing.T) {
	h := NewPasswordHasher(MinPasswordCost)

	a, err := h.Hash("same input")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("same input")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct hashes for identical input")
	}
	if !h.Verify("same input", a) || !h.Verify("same input", b) {
		t.Fatalf("both hashes must verify")
	}
}

func TestPasswordHasherMalformedStored(t *testing.T) {
	h := NewPasswordHasher(MinPasswordCost)

	for _, stored := range []string{"", "not-a-hash", "$2a$xx$garbage"} {
		if h.Verify("anything", stored) {
			t.Fatalf("malformed hash %q must not verify", stored)
		}
	}
}

func TestPasswordHasherCostFloor(t *testing.T) {
	h := NewPasswordHasher(4)
	if h.cost != MinPasswordCost {
		t.Fatalf("cost = %d, want floor %d", h.cost, MinPasswordCost)
	}
}

func TestVerifyDummyDoesNotMatch(t *testing.T) {
	h := NewPasswordHasher(MinPasswordCost)
	// Must not panic and must not validate anything.
	h.VerifyDummy("any password")
	if h.Verify("any password", dummyHash) {
		t.Fatalf("dummy hash must never verify")
	}
}

func TestTokenHasherHandlesLongTokens(t *testing.T) {
	th := NewTokenHasher(NewPasswordHasher(MinPasswordCost))

	// Far beyond bcrypt's 72-byte input limit.
	token := strings.Repeat("eyJhbGciOiJIUzI1NiJ9.", 40)
	stored, err := th.HashForStorage(token)
	if err != nil {
		t.Fatalf("HashForStorage: %v", err)
	}
	if !th.VerifyAgainstStorage(token, stored) {
		t.Fatalf("expected token to verify against its own hash")
	}
	if th.VerifyAgainstStorage(token+"x", stored) {
		t.Fatalf("tampered token must not verify")
	}
}
