// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault holds user credentials and the encryption key for
// repository environment files. Plaintext secrets live only inside
// memguard enclaves; nothing in this package logs or returns secret
// material except through the explicit Get/Decrypt calls.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNoCredential is returned when a user has no stored credential.
var ErrNoCredential = errors.New("vault: no credential for user")

// Vault is the credential and cipher interface the rest of the service
// depends on.
type Vault interface {
	// GetCredential returns the user's git hosting credential.
	GetCredential(ctx context.Context, userID string) (string, error)

	// Encrypt seals plaintext and returns a base64 token.
	Encrypt(plaintext []byte) (string, error)

	// Decrypt opens a token produced by Encrypt.
	Decrypt(ciphertext string) ([]byte, error)
}

// MemoryVault keeps credentials in memguard enclaves and encrypts with
// AES-256-GCM under a sealed key. Suitable for single-node deployments;
// a KMS-backed implementation would satisfy the same interface.
type MemoryVault struct {
	mu    sync.RWMutex
	key   *memguard.Enclave
	creds map[string]*memguard.Enclave
}

// NewMemoryVault seals the 32-byte key and wipes the caller's copy.
func NewMemoryVault(key []byte) (*MemoryVault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	return &MemoryVault{
		key:   memguard.NewEnclave(key),
		creds: map[string]*memguard.Enclave{},
	}, nil
}

// NewMemoryVaultRandom generates an ephemeral key. Tokens encrypted
// under it do not survive a restart.
func NewMemoryVaultRandom() (*MemoryVault, error) {
	buf := memguard.NewBufferRandom(32)
	defer buf.Destroy()
	return NewMemoryVault(append([]byte(nil), buf.Bytes()...))
}

// SetCredential stores (and seals) a user's credential, replacing any
// previous value.
func (v *MemoryVault) SetCredential(userID, credential string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[userID] = memguard.NewEnclave([]byte(credential))
}

// GetCredential opens the user's sealed credential.
func (v *MemoryVault) GetCredential(_ context.Context, userID string) (string, error) {
	v.mu.RLock()
	enc, ok := v.creds[userID]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, userID)
	}
	buf, err := enc.Open()
	if err != nil {
		return "", fmt.Errorf("vault: open credential: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// DeleteCredential removes a user's credential.
func (v *MemoryVault) DeleteCredential(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, userID)
}

func (v *MemoryVault) gcm() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("vault: open key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return aead, buf, nil
}

// Encrypt seals plaintext with AES-256-GCM; the nonce is prepended.
func (v *MemoryVault) Encrypt(plaintext []byte) (string, error) {
	aead, keyBuf, err := v.gcm()
	if err != nil {
		return "", err
	}
	defer keyBuf.Destroy()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *MemoryVault) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: decode token: %w", err)
	}
	aead, keyBuf, err := v.gcm()
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	if len(raw) < aead.NonceSize() {
		return nil, errors.New("vault: token too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("vault: token authentication failed")
	}
	return plain, nil
}
