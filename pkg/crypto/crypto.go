/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto contains the key material and signing helpers used by
// peerlink: HMAC secrets for relay tokens and find secrets, Ed25519 peer
// identity keys and X25519 ephemeral key-agreement pairs.
package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"hash"
)

func init() {
	// assert we have a crypto/rand source
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand is unavailable")
	}
}

// DefaultSecretLength is the default length of a Secret.
const DefaultSecretLength = 32

// ErrInvalidSignature is returned when a signature is invalid.
var ErrInvalidSignature = errors.New("invalid signature")

// ValidSecretChars is the set of valid characters for a generated Secret.
var ValidSecretChars = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// Secret is a shared secret used for HMAC proofs.
type Secret []byte

// GenerateSecret generates a Secret of the default length.
func GenerateSecret() (Secret, error) {
	return GenerateSecretWithLength(DefaultSecretLength)
}

// GenerateSecretWithLength generates a Secret with the given length.
func GenerateSecretWithLength(length int) (Secret, error) {
	b := make(Secret, length)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = ValidSecretChars[int(b[i])%len(ValidSecretChars)]
	}
	return b, nil
}

// MustGenerateSecret generates a Secret and panics on error.
func MustGenerateSecret() Secret {
	s, err := GenerateSecret()
	if err != nil {
		panic(err)
	}
	return s
}

func (s Secret) String() string {
	return string(s)
}

// IsValid reports whether every byte of the secret is a valid character.
func (s Secret) IsValid() bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !bytes.Contains(ValidSecretChars, []byte{c}) {
			return false
		}
	}
	return true
}

// Sign creates an HMAC-SHA256 signature of the given data using this secret.
func (s Secret) Sign(data []byte) ([]byte, error) {
	return signWithHash(data, s, sha256.New)
}

// Verify verifies the given signature against the given data using this secret.
func (s Secret) Verify(data, signature []byte) error {
	return verifyWithHash(data, signature, s, sha256.New)
}

// SignString is a convenience wrapper returning a base64 encoded signature.
func (s Secret) SignString(data string) (string, error) {
	sig, err := s.Sign([]byte(data))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyString verifies a base64 encoded signature produced by SignString.
func (s Secret) VerifyString(data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	return s.Verify([]byte(data), sig)
}

// RandomBytes returns n random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomNonce returns a base64 encoded random nonce of n bytes.
func RandomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func verifyWithHash(data, signature []byte, secret Secret, hash func() hash.Hash) error {
	sig, err := signWithHash(data, secret, hash)
	if err != nil {
		return err
	}
	if !hmac.Equal(sig, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func signWithHash(data []byte, secret Secret, hash func() hash.Hash) ([]byte, error) {
	mac := hmac.New(hash, secret)
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}
