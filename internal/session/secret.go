// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// SECRET STORE
// =============================================================================

// Long-lived secrets (the cookie provider's session cookies) are kept on
// disk encrypted with AES-256-GCM. The key is derived from random material
// in a 0600 file next to the secrets.

const (
	secretPrefix     = "ENC:"
	secretNonceSize  = 12
	secretKeySize    = 32
	secretSaltSize   = 16
	secretIterations = 600000
)

// ErrSecretCorrupt indicates a stored secret failed authentication.
var ErrSecretCorrupt = errors.New("stored secret corrupt or tampered")

// SecretStore persists named secrets encrypted at rest.
type SecretStore struct {
	dir  string
	aead cipher.AEAD
}

// OpenSecretStore opens (creating if needed) the secret store rooted at dir.
func OpenSecretStore(dir string) (*SecretStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	material, salt, err := loadOrCreateKeyMaterial(filepath.Join(dir, ".key"))
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key(material, salt, secretIterations, secretKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretStore{dir: dir, aead: aead}, nil
}

func loadOrCreateKeyMaterial(path string) (material, salt []byte, err error) {
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == secretKeySize+secretSaltSize {
		return raw[:secretKeySize], raw[secretKeySize:], nil
	}
	raw = make([]byte, secretKeySize+secretSaltSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, nil, fmt.Errorf("write key material: %w", err)
	}
	return raw[:secretKeySize], raw[secretKeySize:], nil
}

// Save encrypts and stores a named secret.
func (s *SecretStore) Save(name, value string) error {
	nonce := make([]byte, secretNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	enc := secretPrefix + base64.StdEncoding.EncodeToString(sealed)
	return os.WriteFile(s.path(name), []byte(enc), 0o600)
}

// Load decrypts a named secret. Returns "" with no error when the secret
// does not exist.
func (s *SecretStore) Load(name string) (string, error) {
	raw, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	enc := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(enc, secretPrefix) {
		return "", ErrSecretCorrupt
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, secretPrefix))
	if err != nil || len(sealed) < secretNonceSize {
		return "", ErrSecretCorrupt
	}
	plain, err := s.aead.Open(nil, sealed[:secretNonceSize], sealed[secretNonceSize:], []byte(name))
	if err != nil {
		return "", ErrSecretCorrupt
	}
	return string(plain), nil
}

// Delete removes a named secret. Missing secrets are not an error.
func (s *SecretStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *SecretStore) path(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(s.dir, safe+".secret")
}
