// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crypto wraps the cryptographic primitives used by the signing
// engine: content hashing for document identity, session-scoped symmetric
// keys, and authenticated encryption of document payloads at rest.
//
// The concrete backend is hidden behind the Provider interface so the
// session manager never touches a cipher directly. Key material lives in
// memguard enclaves and is wiped on destroy.
//
// Thread Safety: Providers are stateless and safe for concurrent use.
// Keys are safe for concurrent use until Destroy is called.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// DocumentHashLength is the length of a document content hash in hex characters.
const DocumentHashLength = sha256.Size * 2

// KeySize is the size of a session key in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the size of an encryption nonce in bytes.
const NonceSize = chacha20poly1305.NonceSize

// documentHashRegex validates document hash format.
var documentHashRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

var (
	// ErrDecryptFailed is returned when authenticated decryption fails.
	// This covers a wrong key, a mismatched nonce, and tampered ciphertext;
	// the cipher cannot distinguish between them.
	ErrDecryptFailed = errors.New("decryption failed: authentication error")

	// ErrKeyDestroyed is returned when a destroyed key is used.
	ErrKeyDestroyed = errors.New("key has been destroyed")

	// ErrBadNonceSize is returned when a nonce of the wrong length is supplied.
	ErrBadNonceSize = errors.New("invalid nonce size")
)

// Provider is the narrow cryptographic surface the session manager depends on.
//
// Description:
//
//	Abstracts hashing, key generation, and authenticated encryption so the
//	concrete backend (software AEAD, hardware keystore) is swappable without
//	touching session logic.
type Provider interface {
	// Hash computes the content hash of b as a fixed-length lowercase hex digest.
	// Deterministic: identical bytes always produce identical digests.
	Hash(b []byte) string

	// GenerateKey produces a fresh symmetric key. Keys are scoped to a single
	// session and must never be reused across sessions.
	GenerateKey() (*Key, error)

	// Encrypt seals plaintext under key with a fresh random nonce per call.
	// Encrypting the same plaintext twice yields different ciphertext and nonce.
	Encrypt(key *Key, plaintext []byte) (ciphertext, nonce []byte, err error)

	// Decrypt is the exact inverse of Encrypt for a matching (ciphertext, nonce)
	// pair. A mismatched nonce or modified ciphertext fails with ErrDecryptFailed,
	// never silently returns garbage.
	Decrypt(key *Key, ciphertext, nonce []byte) ([]byte, error)
}

// ValidateDocumentHash checks that hash is a well-formed document digest.
//
// Inputs:
//   - hash: The digest to validate.
//
// Outputs:
//   - error: Non-nil if the digest is empty or not 64 lowercase hex characters.
//
// Thread Safety: Safe for concurrent use (stateless).
func ValidateDocumentHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("document hash must not be empty")
	}
	if !documentHashRegex.MatchString(hash) {
		return fmt.Errorf("invalid document hash format: must be %d lowercase hex characters, got %q", DocumentHashLength, hash)
	}
	return nil
}

// Key is a session-scoped symmetric key held in a memguard enclave.
//
// Description:
//
//	The raw key bytes are sealed in an encrypted enclave and only
//	materialize in locked memory for the duration of a single
//	encrypt/decrypt call. Destroy wipes the enclave; the key is
//	unusable afterwards.
//
// Thread Safety: Safe for concurrent use until Destroy is called.
type Key struct {
	enclave *memguard.Enclave
}

// NewKeyFromBytes wraps raw key bytes in an enclave.
//
// The input slice is wiped by memguard as part of enclave construction;
// callers must not reuse it.
func NewKeyFromBytes(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	return &Key{enclave: memguard.NewEnclave(raw)}, nil
}

// Export returns a copy of the raw key bytes for persistence.
//
// The engine stores session keys alongside the session record; the local
// store is the trust boundary, the ciphertext protects exported and
// replicated payloads. Callers should wipe the returned slice when done.
func (k *Key) Export() ([]byte, error) {
	buf, err := k.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	out := make([]byte, KeySize)
	copy(out, buf.Bytes())
	return out, nil
}

// Destroy wipes the key material. Idempotent.
func (k *Key) Destroy() {
	k.enclave = nil
}

func (k *Key) open() (*memguard.LockedBuffer, error) {
	if k == nil || k.enclave == nil {
		return nil, ErrKeyDestroyed
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	return buf, nil
}

// AEADProvider implements Provider with SHA-256 hashing and
// ChaCha20-Poly1305 authenticated encryption.
type AEADProvider struct{}

// NewProvider returns the default software Provider.
func NewProvider() *AEADProvider {
	return &AEADProvider{}
}

// Hash computes the SHA-256 digest of b as 64 lowercase hex characters.
//
// Thread Safety: Safe for concurrent use (stateless).
func (p *AEADProvider) Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// GenerateKey produces a fresh 32-byte key inside a memguard enclave.
func (p *AEADProvider) GenerateKey() (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Key{enclave: memguard.NewEnclave(raw)}, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under a fresh random nonce.
//
// Inputs:
//   - key: Session key. Must not be destroyed.
//   - plaintext: Payload to seal. Zero-length is allowed.
//
// Outputs:
//   - ciphertext: Sealed payload including the Poly1305 tag.
//   - nonce: The 12-byte nonce used; required for Decrypt.
//   - err: Non-nil on key failure or entropy exhaustion.
func (p *AEADProvider) Encrypt(key *Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	buf, err := key.open()
	if err != nil {
		return nil, nil, err
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
//
// Outputs:
//   - []byte: The original plaintext. Never partial output.
//   - error: ErrDecryptFailed on any authentication failure.
func (p *AEADProvider) Decrypt(key *Key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrBadNonceSize
	}

	buf, err := key.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
