// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *MemoryVault {
	t.Helper()
	v, err := NewMemoryVault(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return v
}

func TestKeyLengthEnforced(t *testing.T) {
	_, err := NewMemoryVault([]byte("short"))
	require.Error(t, err)
}

func TestCredentialRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.GetCredential(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNoCredential)

	v.SetCredential("user-1", "ghp_example_token")
	got, err := v.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_example_token", got)

	// A second read works; the enclave is reusable.
	got, err = v.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_example_token", got)

	v.DeleteCredential("user-1")
	_, err = v.GetCredential(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plain := []byte("DATABASE_URL=postgres://forge:pw@localhost/forge\n")

	token, err := v.Encrypt(plain)
	require.NoError(t, err)
	assert.NotContains(t, token, "postgres")

	got, err := v.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	v := newTestVault(t)
	token, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = v.Decrypt("not base64 at all!!!")
	require.Error(t, err)

	_, err = v.Decrypt(base64.StdEncoding.EncodeToString([]byte("tiny")))
	require.Error(t, err)
}

func TestDecryptRequiresSameKey(t *testing.T) {
	v1 := newTestVault(t)
	v2, err := NewMemoryVault(bytes.Repeat([]byte{0x7f}, 32))
	require.NoError(t, err)

	token, err := v1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = v2.Decrypt(token)
	require.Error(t, err)
}
