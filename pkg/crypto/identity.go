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

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// IdentityKey is the long-lived private key of a peer. It signs keying
// material and find requests.
type IdentityKey struct {
	priv ed25519.PrivateKey
}

// PublicIdentityKey is the public half of an IdentityKey.
type PublicIdentityKey []byte

// GenerateIdentityKey generates a new identity key.
func GenerateIdentityKey() (*IdentityKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKey{priv: priv}, nil
}

// MustGenerateIdentityKey generates a new identity key or panics.
func MustGenerateIdentityKey() *IdentityKey {
	k, err := GenerateIdentityKey()
	if err != nil {
		panic(err)
	}
	return k
}

// ParseIdentityKey parses a base64 encoded private identity key.
func ParseIdentityKey(s string) (*IdentityKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	switch len(data) {
	case ed25519.SeedSize:
		return &IdentityKey{priv: ed25519.NewKeyFromSeed(data)}, nil
	case ed25519.PrivateKeySize:
		return &IdentityKey{priv: ed25519.PrivateKey(data)}, nil
	}
	return nil, fmt.Errorf("invalid identity key length %d", len(data))
}

// Public returns the public identity key.
func (k *IdentityKey) Public() PublicIdentityKey {
	return PublicIdentityKey(k.priv.Public().(ed25519.PublicKey))
}

// Sign signs the given data.
func (k *IdentityKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// String returns the base64 encoded seed of the key.
func (k *IdentityKey) String() string {
	return base64.StdEncoding.EncodeToString(k.priv.Seed())
}

// Verify checks a signature made by the matching IdentityKey.
func (p PublicIdentityKey) Verify(data, sig []byte) error {
	if len(p) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key length", ErrInvalidSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(p), data, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// String returns the base64 encoding of the key.
func (p PublicIdentityKey) String() string {
	return base64.StdEncoding.EncodeToString(p)
}

// ParsePublicIdentityKey parses a base64 encoded public identity key.
func ParsePublicIdentityKey(s string) (PublicIdentityKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public identity key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public identity key length %d", len(data))
	}
	return PublicIdentityKey(data), nil
}
