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
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DHKeySize is the size of X25519 public and private keys.
const DHKeySize = curve25519.ScalarSize

// ErrInvalidDHKey is returned for malformed or low-order public keys.
var ErrInvalidDHKey = errors.New("invalid diffie-hellman public key")

// DHPublicKey is an X25519 public key.
type DHPublicKey []byte

// DHKeyPair is an ephemeral X25519 key pair. Sessions create one at
// construction and discard it on shutdown.
type DHKeyPair struct {
	private []byte
	public  DHPublicKey
}

// GenerateDHKeyPair generates a new ephemeral key pair.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &DHKeyPair{private: priv, public: pub}, nil
}

// MustGenerateDHKeyPair generates a new key pair or panics.
func MustGenerateDHKeyPair() *DHKeyPair {
	kp, err := GenerateDHKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// Public returns the public key.
func (kp *DHKeyPair) Public() DHPublicKey {
	return kp.public
}

// SharedSecret computes the X25519 shared secret with the remote key.
func (kp *DHKeyPair) SharedSecret(remote DHPublicKey) ([]byte, error) {
	if len(remote) != DHKeySize {
		return nil, ErrInvalidDHKey
	}
	out, err := curve25519.X25519(kp.private, remote)
	if err != nil {
		// X25519 rejects low order points.
		return nil, fmt.Errorf("%w: %v", ErrInvalidDHKey, err)
	}
	return out, nil
}

// Equal reports whether two public keys are identical.
func (p DHPublicKey) Equal(other DHPublicKey) bool {
	return len(p) == len(other) && subtle.ConstantTimeCompare(p, other) == 1
}

// IsZero reports whether the key has not been set.
func (p DHPublicKey) IsZero() bool {
	return len(p) == 0
}

// String returns the base64 encoding of the key.
func (p DHPublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p)
}

// Validate checks that the key has the size of an X25519 public key.
func (p DHPublicKey) Validate() error {
	if len(p) != DHKeySize {
		return ErrInvalidDHKey
	}
	return nil
}
