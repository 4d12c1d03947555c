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

// Package peerlocation establishes and maintains the connection to one
// remote location of a peer. A Session drives the ICE negotiation, the
// reliable transport and its security channel, and the relay channels,
// picks the best path that works, identifies the remote location and
// decides when discovery has to start over.
package peerlocation

import (
	"errors"
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/identity"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// Errors returned by session operations.
var (
	// ErrShutdown is returned when the session is shutting down or shut down.
	ErrShutdown = errors.New("peer location is shut down")
	// ErrNoTransport is returned when no path can carry a message.
	ErrNoTransport = errors.New("no transport is ready")
	// ErrIllegalBeforeIdentify is returned when a message may not be sent
	// before the remote location is identified.
	ErrIllegalBeforeIdentify = errors.New("message not allowed before identify")
	// ErrKeepAliveOutstanding is returned when a keep alive is already
	// waiting for its result.
	ErrKeepAliveOutstanding = errors.New("keep alive already outstanding")
	// ErrIdentifyNotSent is returned by outgoing sessions that have not
	// sent their identify request yet.
	ErrIdentifyNotSent = errors.New("identify has not been sent")
	// ErrNotOutgoing is returned for operations only outgoing find
	// sessions support.
	ErrNotOutgoing = errors.New("not an outgoing find session")
	// ErrPeerMismatch is returned when a find request does not come from
	// the expected peer.
	ErrPeerMismatch = errors.New("peer identity mismatch")
)

// Error codes recorded when a session ends on an error.
const (
	CodeNotFound = 404
	CodeTimeout  = 408
	CodeConflict = 409
	CodeInternal = 500
)

// Reason is why a session exists.
type Reason int

const (
	// ReasonIncomingFind sessions answer a find request of a remote location.
	ReasonIncomingFind Reason = iota
	// ReasonOutgoingFind sessions were started by a local find request.
	ReasonOutgoingFind
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonIncomingFind:
		return "incoming-find"
	case ReasonOutgoingFind:
		return "outgoing-find"
	}
	return "unknown"
}

// State is the lifecycle state of a session.
type State int

const (
	StatePending State = iota
	StateReady
	StateShuttingDown
	StateShutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Timing holds the timers of a session.
// ICE liveness timers belong to the ICE socket, not to sessions.
type Timing struct {
	FindTimeout              time.Duration
	KeepAliveTimeout         time.Duration
	IdentifyTimeout          time.Duration
	MinConnectedBeforeRefind time.Duration
	ShutdownTimeout          time.Duration
}

// DefaultTiming returns the default session timers.
func DefaultTiming() Timing {
	return Timing{
		FindTimeout:              120 * time.Second,
		KeepAliveTimeout:         120 * time.Second,
		IdentifyTimeout:          120 * time.Second,
		MinConnectedBeforeRefind: 60 * time.Second,
		ShutdownTimeout:          10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	set := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&t.FindTimeout, d.FindTimeout)
	set(&t.KeepAliveTimeout, d.KeepAliveTimeout)
	set(&t.IdentifyTimeout, d.IdentifyTimeout)
	set(&t.MinConnectedBeforeRefind, d.MinConnectedBeforeRefind)
	set(&t.ShutdownTimeout, d.ShutdownTimeout)
	return t
}

// Factories create the collaborators a session drives. Resolver is only
// needed for relay candidates that carry a host name, RelayAcceptor and
// Nonces only by outgoing find sessions.
type Factories struct {
	Transport     transport.TransportFactory
	Relay         transport.RelayDialer
	RelayAcceptor transport.RelayAcceptor
	Secure        transport.SecureFactory
	Resolver      transport.Resolver
	Nonces        transport.NonceCache
}

// Account is the local account a session belongs to.
type Account interface {
	// Socket is the shared ICE socket.
	Socket() transport.Socket
	// PeerFiles is the local identity.
	PeerFiles() *identity.PeerFiles
	// RelayCandidate is the relay candidate this location advertises,
	// with the token secret, if it has one.
	RelayCandidate() (candidate.Candidate, bool)
}

// Delegate receives what a session cannot handle itself. It is never
// called with the session lock held.
type Delegate interface {
	// SendDiscovery sends a message to the remote location through the
	// discovery service.
	SendDiscovery(s *Session, env *message.Envelope)
	// SessionStateChanged is called after every state transition.
	SessionStateChanged(s *Session, state State)
	// HandleMessage receives inbound messages the session does not consume.
	HandleMessage(s *Session, env *message.Envelope)
}

// Options are shared by incoming and outgoing sessions.
type Options struct {
	Account   Account
	Delegate  Delegate
	Factories Factories
	// Timing overrides the default timers. Zero fields use the defaults.
	Timing Timing
	// Peer is the remote peer. It must not be nil.
	Peer *identity.Peer
	// StepTrace, when set, is called with the name of every step run.
	StepTrace func(step string)
}

// IncomingOptions are the options of a session answering a find request.
type IncomingOptions struct {
	Options
	// Request is the find request envelope.
	Request *message.Envelope
	// DidVerifySignature is set when the request signature was verified
	// against the peer identity, which identifies the remote location.
	DidVerifySignature bool
}

// OutgoingOptions are the options of a session started by a local find.
type OutgoingOptions struct {
	Options
	// LocalContext identifies this session. A random context is used when empty.
	LocalContext string
	// RemoteLocationID is the location the find is sent to.
	RemoteLocationID string
	// RemoteDHPublicKey pins the remote DH key when it is already known.
	RemoteDHPublicKey crypto.DHPublicKey
}

// VerifyFindRequest checks that a find request is signed by the peer.
func VerifyFindRequest(req *message.FindRequest, peer *identity.Peer) error {
	if req.PeerURI != peer.URI {
		return ErrPeerMismatch
	}
	if len(req.Signature) == 0 {
		return crypto.ErrInvalidSignature
	}
	return peer.PublicKey.Verify(req.SigningInput(), req.Signature)
}
