// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets provides the server-side secret vault. Values are
// sealed with an AEAD before they reach the backend, so the store only
// ever sees ciphertext. Plaintext exists in worker memory for the
// duration of a task invocation and is never journaled.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fluxio/flux/internal/backend"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
)

// nameRE matches valid secret names. Names are used as injection keys,
// so they follow identifier rules.
var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ValidateName checks a secret name.
func ValidateName(name string) error {
	if name == "" {
		return &fluxerrors.ValidationError{Field: "name", Message: "secret name is empty"}
	}
	if !nameRE.MatchString(name) {
		return &fluxerrors.ValidationError{Field: "name", Message: fmt.Sprintf("invalid secret name %q", name)}
	}
	return nil
}

// Vault seals and unseals secrets against a backend store.
type Vault struct {
	store backend.Backend
	key   [chacha20poly1305.KeySize]byte
}

// NewVault creates a vault. The encryption key may be any non-empty
// string; it is stretched to the AEAD key size with SHA-256.
func NewVault(encryptionKey string, store backend.Backend) (*Vault, error) {
	if encryptionKey == "" {
		return nil, &fluxerrors.ConfigError{Key: "security.encryption_key", Reason: "encryption key is required"}
	}
	v := &Vault{store: store}
	v.key = sha256.Sum256([]byte(encryptionKey))
	return v, nil
}

// Put seals value and stores it under name, replacing any prior value.
func (v *Vault) Put(ctx context.Context, name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	sealed, err := v.seal(name, []byte(value))
	if err != nil {
		return err
	}
	return v.store.PutSecret(ctx, name, sealed)
}

// Get unseals the secret stored under name.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	ciphertext, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	plaintext, err := v.open(name, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// List returns stored secret names, never values.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// Delete removes a secret.
func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// Resolve unseals every requested secret. A single missing name fails
// the whole resolution; callers treat that as a fatal scheduling error.
func (v *Vault) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := v.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving secret %q: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

// seal encrypts plaintext with a fresh random nonce. The secret name is
// bound as additional data so ciphertexts cannot be swapped between
// names in the store.
func (v *Vault) seal(name string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

// open decrypts a sealed value.
func (v *Vault) open(name string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, &fluxerrors.DecodeError{Codec: "secret", Cause: fmt.Errorf("ciphertext too short")}
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, &fluxerrors.DecodeError{Codec: "secret", Cause: fmt.Errorf("decryption failed, wrong key or corrupted value")}
	}
	return plaintext, nil
}
