package auth

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordCost is the floor for the bcrypt cost factor; configuration
// may only raise it.
const MinPasswordCost = 12

// dummyHash is a syntactically valid bcrypt hash used to equalize login
// timing when the account does not exist. No password verifies against it.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// PasswordHasher hashes and verifies passwords with bcrypt. A fresh salt
// is drawn on every Hash call, so identical inputs produce distinct output.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher builds a hasher with the given cost, floored at
// MinPasswordCost.
func NewPasswordHasher(cost int) PasswordHasher {
	if cost < MinPasswordCost {
		cost = MinPasswordCost
	}
	return PasswordHasher{cost: cost}
}

// Hash returns the bcrypt hash of the plaintext.
func (h PasswordHasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches the stored hash. Malformed
// stored hashes verify as false, never as an error.
func (h PasswordHasher) Verify(plaintext, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil
}

// VerifyDummy burns a full bcrypt comparison against a fixed placeholder
// so a login miss takes as long as a password mismatch.
func (h PasswordHasher) VerifyDummy(plaintext string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(plaintext))
}

// TokenHasher prepares opaque refresh tokens for hashed storage. Tokens
// can exceed bcrypt's 72-byte input limit, so the token is first reduced
// to a fixed-length SHA-256 digest and the digest is bcrypt-hashed; the
// stored format and cost stay uniform with password hashes.
type TokenHasher struct {
	passwords PasswordHasher
}

// NewTokenHasher builds a TokenHasher sharing the password hasher's cost.
func NewTokenHasher(passwords PasswordHasher) TokenHasher {
	return TokenHasher{passwords: passwords}
}

// HashForStorage returns the storable hash of the token.
func (t TokenHasher) HashForStorage(token string) (string, error) {
	return t.passwords.Hash(digestToken(token))
}

// VerifyAgainstStorage reports whether token matches the stored hash.
func (t TokenHasher) VerifyAgainstStorage(token, stored string) bool {
	return t.passwords.Verify(digestToken(token), stored)
}

func digestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
