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

package candidate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webmeshproj/peerlink/pkg/crypto"
)

// RelayResource is the resource string a validated channel map proof must
// declare.
const RelayResource = "finder-relay-channel"

// Errors returned when validating proofs.
var (
	ErrTokenMismatch   = errors.New("proof does not belong to relay token")
	ErrProofExpired    = errors.New("proof has expired")
	ErrInvalidProof    = errors.New("invalid proof signature")
	ErrMissingSecret   = errors.New("relay token secret is unknown")
	ErrResourceInvalid = errors.New("proof resource mismatch")
)

// Token authorizes the mapping of a relay channel. It is issued by a relay
// server to the location that advertises the relay candidate. The secret
// is shared between the relay server and that location and is never
// serialized.
type Token struct {
	ID       string    `json:"id"`
	Nonce    string    `json:"nonce"`
	Resource string    `json:"resource"`
	Expires  time.Time `json:"expires"`
	// Proof is the relay server's signature over the token fields.
	Proof string `json:"proof"`

	Secret crypto.Secret `json:"-"`
}

// NewToken issues a new token signed with the given secret.
func NewToken(secret crypto.Secret, resource string, expires time.Time) (*Token, error) {
	nonce, err := crypto.RandomNonce(16)
	if err != nil {
		return nil, fmt.Errorf("generate token nonce: %w", err)
	}
	t := &Token{
		ID:       uuid.NewString(),
		Nonce:    nonce,
		Resource: resource,
		Expires:  expires.UTC().Truncate(time.Second),
		Secret:   secret,
	}
	t.Proof, err = secret.SignString(t.signingInput())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return t, nil
}

// Public returns a copy of the token without its secret, suitable for
// advertising in a candidate.
func (t *Token) Public() *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.Secret = nil
	return &out
}

func (t *Token) signingInput() string {
	return fmt.Sprintf("token:%s:%s:%s:%d", t.ID, t.Nonce, t.Resource, t.Expires.Unix())
}

// Proof is the single-use proof a relay server attaches to a channel map
// notification. It is derived from a Token and signed with its secret.
type Proof struct {
	TokenID   string    `json:"tokenID"`
	Nonce     string    `json:"nonce"`
	Resource  string    `json:"resource"`
	Expires   time.Time `json:"expires"`
	Signature string    `json:"signature"`
}

// NewProof creates a fresh proof for the token with a random nonce.
func NewProof(t *Token, resource string, expires time.Time) (*Proof, error) {
	if len(t.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	nonce, err := crypto.RandomNonce(24)
	if err != nil {
		return nil, fmt.Errorf("generate proof nonce: %w", err)
	}
	p := &Proof{
		TokenID:  t.ID,
		Nonce:    nonce,
		Resource: resource,
		Expires:  expires.UTC().Truncate(time.Second),
	}
	p.Signature, err = t.Secret.SignString(p.signingInput())
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	return p, nil
}

func (p *Proof) signingInput() string {
	return fmt.Sprintf("proof:%s:%s:%s:%d", p.TokenID, p.Nonce, p.Resource, p.Expires.Unix())
}

// ValidateProof checks that the proof was issued for the given token and
// has not expired. It returns the validated proof; callers still need to
// check the resource and the nonce for replay.
func ValidateProof(t *Token, p *Proof, now time.Time) (*Proof, error) {
	if t == nil || p == nil {
		return nil, ErrInvalidProof
	}
	if len(t.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if p.TokenID != t.ID {
		return nil, ErrTokenMismatch
	}
	if err := t.Secret.VerifyString(p.signingInput(), p.Signature); err != nil {
		return nil, ErrInvalidProof
	}
	if now.After(p.Expires) {
		return nil, ErrProofExpired
	}
	validated := *p
	return &validated, nil
}
