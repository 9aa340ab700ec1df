// Package cryptox implements the credential-encryption contract: a slow,
// salted hash for authenticating proxy users, and a separate deterministic
// key derivation plus authenticated encryption for sealing upstream
// passwords so they remain decryptable across restarts.
package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// BcryptCost is the bcrypt work factor used for proxy-user password hashes.
const BcryptCost = 12

// ErrWrongKey is returned by Decrypt when authentication of the ciphertext
// fails, which happens both for tampering and for a key mismatch.
var ErrWrongKey = errors.New("cryptox: wrong key or corrupt ciphertext")

// HashForStorage produces a salted, slow hash suitable for verifying a
// proxy user's login password. Never used for key derivation — a slow hash
// is intentionally non-deterministic with respect to its stored form, and
// conflating it with key derivation would make stored mappings
// undecryptable after a restart.
func HashForStorage(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("cryptox: hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches the stored hash.
func Verify(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// DeriveKey deterministically derives a 256-bit symmetric key from a
// password. Unlike HashForStorage, this MUST be deterministic: the same
// password always yields the same key, because it is used to decrypt
// previously-encrypted upstream passwords on every request, not just once
// at login time.
func DeriveKey(password string) [32]byte {
	// blake2b's keyed mode gives a fixed-size, deterministic digest; the
	// domain-separation prefix keeps this key namespace distinct from any
	// other use of blake2b elsewhere in the process.
	h, _ := blake2b.New256([]byte("jellyswarrm/cryptox/key-derivation"))
	_, _ = h.Write([]byte(password))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Encrypt seals plaintext under key using ChaCha20-Poly1305 with a fresh
// random nonce. The returned bytes are base64(nonce || ciphertext).
func Encrypt(plaintext string, key [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptox: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Returns ErrWrongKey when
// the key doesn't match or the ciphertext was tampered with.
func Decrypt(ciphertext []byte, key [32]byte) (string, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(sealed, ciphertext)
	if err != nil {
		return "", ErrWrongKey
	}
	sealed = sealed[:n]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("cryptox: init aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrWrongKey
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrWrongKey
	}
	return string(plaintext), nil
}
