// Package vault implements the encryption layer every record passes through:
// password-based key derivation, per-record authenticated encryption with a
// fresh random nonce, and a verification token that detects password rotation
// without ever storing the password.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sentinel errors.
var (
	// ErrDecrypt is returned when a ciphertext does not authenticate under
	// the key, including truncated or foreign blobs.
	ErrDecrypt = errors.New("vault: decryption failed")
	// ErrKeyMismatch is returned by verification when stored material was
	// produced under a different key (password changed).
	ErrKeyMismatch = errors.New("vault: key does not match stored material")
)

// Argon2id parameters. Deliberately expensive: derivation happens once per
// session, not per record.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// saltScheme is the fixed prefix mixed with the user identifier to produce
// the derivation salt. Changing it invalidates every derived key.
const saltScheme = "casesync.salt.v1|"

// verificationPlaintext is the fixed known plaintext whose ciphertext is
// persisted as the verification token.
const verificationPlaintext = "casesync.verify.v1"

// Key is a non-exportable symmetric key handle. The raw material never
// leaves the package.
type Key struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// DeriveKey produces a Key deterministically from (password, userID) via
// argon2id under the fixed salt scheme. The same inputs always yield the
// same key, so records encrypted in one session decrypt in the next.
func DeriveKey(password, userID string) (*Key, error) {
	if password == "" {
		return nil, errors.New("vault: empty password")
	}

	salt := sha256.Sum256([]byte(saltScheme + userID))
	material := argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, fmt.Errorf("vault: constructing cipher: %w", err)
	}

	return &Key{aead: aead}, nil
}

// Encrypt seals plaintext under the key with an independent random nonce,
// returning nonce-prefixed ciphertext.
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext. Returns ErrDecrypt for blobs
// that do not authenticate under this key.
func (k *Key) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}

	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]

	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// VerificationToken returns the ciphertext of the fixed known plaintext under
// this key. Stored unencrypted in the crypto partition and checked at every
// session start.
func (k *Key) VerificationToken() ([]byte, error) {
	return k.Encrypt([]byte(verificationPlaintext))
}

// Verify checks a stored verification token against this key. A failure
// signals a password change, not data corruption.
func (k *Key) Verify(token []byte) error {
	plaintext, err := k.Decrypt(token)
	if err != nil {
		return ErrKeyMismatch
	}

	if string(plaintext) != verificationPlaintext {
		return ErrKeyMismatch
	}

	return nil
}
