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

// Package transport defines the contracts between a peer location session
// and the asynchronous subsystems it drives: the ICE socket and sessions,
// the reliable transport, relay channels, the security channel and the SRV
// resolver. Implementations never block the caller; progress is reported
// through the Handlers they are constructed with.
package transport

import (
	"io"
	"net"

	"github.com/webmeshproj/peerlink/pkg/candidate"
)

// State is the lifecycle state of a collaborator.
type State int

const (
	// StatePending means the collaborator is still connecting.
	StatePending State = iota
	// StateWaiting means the collaborator needs information from its owner
	// before it can continue.
	StateWaiting
	// StateReady means the collaborator can carry data.
	StateReady
	// StateShuttingDown means a graceful shutdown is in progress.
	StateShuttingDown
	// StateShutdown is terminal.
	StateShutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// IsPending reports whether the collaborator has neither connected nor
// failed yet.
func (s State) IsPending() bool {
	return s == StatePending || s == StateWaiting
}

// IsDone reports whether the collaborator is shutting down or shut down.
func (s State) IsDone() bool {
	return s == StateShuttingDown || s == StateShutdown
}

// Reason explains why a collaborator shut down.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonClosed   Reason = "closed"
	ReasonCanceled Reason = "canceled"
	ReasonFailed   Reason = "failed"
	// ReasonBackgroundingTimeout is reported by an ICE session that lost
	// connectivity for longer than the backgrounding timeout after having
	// been connected. The owner should restart discovery.
	ReasonBackgroundingTimeout Reason = "backgrounding-timeout"
)

// Notify is called by a collaborator whenever its state changes. The source
// is the collaborator instance itself so that the owner can discard
// notifications from instances it no longer owns.
type Notify func(source any)

// MessageHandler receives one inbound message from a collaborator.
type MessageHandler func(source any, data []byte)

// Handlers are the callbacks a collaborator reports through. Either may
// be nil. Implementations may call them from any goroutine, including
// synchronously from within a method call.
type Handlers struct {
	OnStateChange Notify
	OnMessage     MessageHandler
}

// StateChanged invokes OnStateChange if set.
func (h Handlers) StateChanged(source any) {
	if h.OnStateChange != nil {
		h.OnStateChange(source)
	}
}

// Message invokes OnMessage if set.
func (h Handlers) Message(source any, data []byte) {
	if h.OnMessage != nil {
		h.OnMessage(source, data)
	}
}

// Subscription is a handle to a state subscription.
type Subscription interface {
	// Cancel stops notifications.
	Cancel()
}

// SubscriptionFunc implements Subscription.
type SubscriptionFunc func()

// Cancel implements Subscription.
func (f SubscriptionFunc) Cancel() { f() }

// ICEParameters are the credentials and candidates one side of an ICE
// negotiation advertises.
type ICEParameters struct {
	Username   string
	Password   string
	Candidates candidate.List
	// Final is set when no more candidates will follow.
	Final bool
}

// Version identifies the advertised parameters. It changes when the
// credentials, the candidates or the final flag change.
func (p ICEParameters) Version() string {
	v := p.Username + ":" + p.Candidates.Version()
	if p.Final {
		v += ":final"
	}
	return v
}

// Socket is the shared local ICE endpoint. It is owned by the account and
// shared by all of its sessions.
type Socket interface {
	// IsReady reports whether local candidates have been gathered.
	IsReady() bool
	// Wake asks the socket to (re)gather candidates if it is not ready.
	Wake()
	// Subscribe registers for socket state changes. Subscribing notifies
	// once.
	Subscribe(notify Notify) Subscription
	// LocalParameters returns the local credentials for the given context
	// and the currently gathered candidates.
	LocalParameters(localContext string) ICEParameters
	// NewSession starts an ICE negotiation with the remote parameters.
	NewSession(localContext string, remote ICEParameters, controlling bool, notify Notify) (ICESession, error)
}

// ICESession is one ICE negotiation with a remote location.
type ICESession interface {
	State() State
	// Reason is set once the session is shut down.
	Reason() Reason
	// Update replaces the remote parameters, adding new candidates.
	Update(remote ICEParameters) error
	// Conn returns the negotiated connection once ready.
	Conn() net.Conn
	// Shutdown starts a graceful shutdown.
	Shutdown()
	// Cancel tears the session down immediately.
	Cancel()
}

// Transport is a reliable stream layered on an ICE connection.
type Transport interface {
	State() State
	// Stream returns the reliable stream once ready.
	Stream() io.ReadWriteCloser
	Shutdown()
	Cancel()
}

// TransportFactory creates reliable transports.
type TransportFactory interface {
	// Open starts a transport over conn. The initiator opens the stream,
	// the other side accepts it.
	Open(conn net.Conn, initiator bool, notify Notify) (Transport, error)
}

// TransportFactoryFunc implements TransportFactory.
type TransportFactoryFunc func(conn net.Conn, initiator bool, notify Notify) (Transport, error)

// Open implements TransportFactory.
func (f TransportFactoryFunc) Open(conn net.Conn, initiator bool, notify Notify) (Transport, error) {
	return f(conn, initiator, notify)
}

// MessageStream is a collaborator that carries whole messages once ready.
type MessageStream interface {
	State() State
	// WriteMessage queues one message for delivery.
	WriteMessage(data []byte) error
	// Cancel tears the stream down immediately.
	Cancel()
}
