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

// Package identity holds the peer identity material a location presents to
// remote locations: the peer URI, its identity key and its find secret.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/webmeshproj/peerlink/pkg/crypto"
)

// URIScheme is the scheme of peer URIs.
const URIScheme = "peer://"

// ErrInvalidURI is returned when a peer URI is malformed.
var ErrInvalidURI = errors.New("invalid peer uri")

// Peer is the resolved public identity of a remote peer.
type Peer struct {
	// URI is the peer URI, e.g. peer://example.com/abc123.
	URI string
	// PublicKey is the peer's public identity key.
	PublicKey crypto.PublicIdentityKey
	// FindSecret is the secret the peer published for identify proofs.
	// It is only known for peers whose public peer file includes it.
	FindSecret crypto.Secret
}

// PeerFiles is the local identity owned by the account. Sessions only read it.
type PeerFiles struct {
	// URI is the local peer URI.
	URI string
	// LocationID is the id of this location.
	LocationID string
	// Key is the local private identity key.
	Key *crypto.IdentityKey
	// FindSecret is the secret remote locations prove knowledge of when
	// identifying to this location.
	FindSecret crypto.Secret
}

// NewPeerFiles generates a fresh identity for the given peer URI and location.
func NewPeerFiles(uri, locationID string) (*PeerFiles, error) {
	if err := ValidateURI(uri); err != nil {
		return nil, err
	}
	key, err := crypto.GenerateIdentityKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate find secret: %w", err)
	}
	return &PeerFiles{
		URI:        uri,
		LocationID: locationID,
		Key:        key,
		FindSecret: secret,
	}, nil
}

// Public returns the public view of the local identity.
func (p *PeerFiles) Public() *Peer {
	return &Peer{
		URI:        p.URI,
		PublicKey:  p.Key.Public(),
		FindSecret: p.FindSecret,
	}
}

// ValidateURI checks that the given string is a well formed peer URI.
func ValidateURI(uri string) error {
	if !strings.HasPrefix(uri, URIScheme) {
		return fmt.Errorf("%w: missing %q scheme", ErrInvalidURI, URIScheme)
	}
	rest := strings.TrimPrefix(uri, URIScheme)
	domain, id, ok := strings.Cut(rest, "/")
	if !ok || domain == "" || id == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return nil
}

// FindSecretProof computes the proof a remote location presents in an
// identify request: an HMAC over the identifying location, the target
// peer and the expiry, keyed by the target's find secret.
func FindSecretProof(secret crypto.Secret, fromLocation, targetURI string, expires time.Time) (string, error) {
	return secret.SignString(proofInput(fromLocation, targetURI, expires))
}

// VerifyFindSecretProof validates a proof produced by FindSecretProof.
func VerifyFindSecretProof(secret crypto.Secret, fromLocation, targetURI string, expires time.Time, proof string) error {
	return secret.VerifyString(proofInput(fromLocation, targetURI, expires), proof)
}

func proofInput(fromLocation, targetURI string, expires time.Time) string {
	return fmt.Sprintf("identify:%s:%s:%d", fromLocation, targetURI, expires.Unix())
}
