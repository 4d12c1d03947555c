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

// Package message defines the JSON wire messages exchanged between peer
// locations and the envelope that carries them.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Method is the protocol method of a message.
type Method string

const (
	MethodPeerLocationFind Method = "peer-location-find"
	MethodPeerIdentify     Method = "peer-identify"
	MethodPeerKeepAlive    Method = "peer-keep-alive"
	MethodChannelMap       Method = "channel-map"
)

// Kind is the role of a message in a request/response exchange.
type Kind string

const (
	KindRequest Kind = "request"
	KindResult  Kind = "result"
	KindNotify  Kind = "notify"
)

// Errors returned while decoding.
var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownMethod = errors.New("unknown message method")
)

// Error is the error payload of a failed result.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// Envelope wraps every message on the wire.
type Envelope struct {
	ID     string `json:"id"`
	Method Method `json:"method"`
	Kind   Kind   `json:"kind"`
	// AppID routes application messages inside a node. It must not cross
	// a peer transport and is stripped before sending.
	AppID string          `json:"appid,omitempty"`
	Error *Error          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// NewRequest builds a request envelope with a fresh id.
func NewRequest(method Method, body any) (*Envelope, error) {
	return newEnvelope(uuid.NewString(), method, KindRequest, body)
}

// NewNotify builds a notify envelope with a fresh id.
func NewNotify(method Method, body any) (*Envelope, error) {
	return newEnvelope(uuid.NewString(), method, KindNotify, body)
}

// NewResult builds a successful result for the given request.
func NewResult(req *Envelope, body any) (*Envelope, error) {
	return newEnvelope(req.ID, req.Method, KindResult, body)
}

// NewErrorResult builds a failed result for the given request.
func NewErrorResult(req *Envelope, code int, reason string) *Envelope {
	return &Envelope{
		ID:     req.ID,
		Method: req.Method,
		Kind:   KindResult,
		Error:  &Error{Code: code, Reason: reason},
	}
}

func newEnvelope(id string, method Method, kind Kind, body any) (*Envelope, error) {
	env := &Envelope{ID: id, Method: method, Kind: kind}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, kind, err)
		}
		env.Body = data
	}
	return env, nil
}

// Is reports whether the envelope has the given method and kind.
func (e *Envelope) Is(method Method, kind Kind) bool {
	return e.Method == method && e.Kind == kind
}

// IsError reports whether the envelope is a failed result.
func (e *Envelope) IsError() bool {
	return e.Kind == KindResult && e.Error != nil
}

// Decode unmarshals the body into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: %s %s has no body", ErrMalformed, e.Method, e.Kind)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformed, e.Method, e.Kind, err)
	}
	return nil
}

// Encode serializes the envelope for a peer transport, dropping the
// application routing attribute.
func Encode(e *Envelope) ([]byte, error) {
	out := *e
	out.AppID = ""
	return json.Marshal(&out)
}

// DecodeEnvelope parses wire bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	switch env.Method {
	case MethodPeerLocationFind, MethodPeerIdentify, MethodPeerKeepAlive, MethodChannelMap:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, env.Method)
	}
	switch env.Kind {
	case KindRequest, KindResult, KindNotify:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
	return &env, nil
}

// LegalBeforeIdentify reports whether a message may be sent to a peer
// location that has not completed identification.
func LegalBeforeIdentify(e *Envelope) bool {
	switch {
	case e.Kind == KindResult:
		return true
	case e.Is(MethodPeerKeepAlive, KindRequest):
		return true
	case e.Is(MethodPeerIdentify, KindRequest):
		return true
	case e.Is(MethodPeerLocationFind, KindNotify):
		return true
	}
	return false
}
