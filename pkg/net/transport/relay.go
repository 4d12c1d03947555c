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

package transport

import (
	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/crypto"
)

// RelayChannel is an end-to-end encrypted channel through a relay server.
type RelayChannel interface {
	MessageStream
	// Channel is the channel number assigned by the relay server.
	Channel() uint32
	// RemoteDHPublicKey is the remote DH key learned from the relay
	// handshake. It is nil until the channel is ready.
	RemoteDHPublicKey() crypto.DHPublicKey
}

// RelayDialOptions are options for opening an outgoing relay channel.
type RelayDialOptions struct {
	// Address is the host:port of the relay server.
	Address string
	// Token is the remote location's relay token.
	Token *candidate.Token
	// LocalContext and RemoteContext identify the session.
	LocalContext  string
	RemoteContext string
	// LocalKey is the local DH key pair.
	LocalKey *crypto.DHKeyPair
	// RemoteKey is the remote location's DH public key.
	RemoteKey crypto.DHPublicKey
}

// RelayDialer opens outgoing relay channels.
type RelayDialer interface {
	Dial(opts RelayDialOptions, h Handlers) (RelayChannel, error)
}

// RelayDialerFunc implements RelayDialer.
type RelayDialerFunc func(opts RelayDialOptions, h Handlers) (RelayChannel, error)

// Dial implements RelayDialer.
func (f RelayDialerFunc) Dial(opts RelayDialOptions, h Handlers) (RelayChannel, error) {
	return f(opts, h)
}

// RelayAcceptOptions are options for accepting a mapped relay channel.
type RelayAcceptOptions struct {
	Channel       uint32
	LocalContext  string
	RemoteContext string
	LocalKey      *crypto.DHKeyPair
	// RemoteKey pins the remote DH key when it is already known.
	RemoteKey crypto.DHPublicKey
}

// RelayAcceptor accepts incoming relay channels announced by a channel map
// notification.
type RelayAcceptor interface {
	Accept(opts RelayAcceptOptions, h Handlers) (RelayChannel, error)
}

// RelayAcceptorFunc implements RelayAcceptor.
type RelayAcceptorFunc func(opts RelayAcceptOptions, h Handlers) (RelayChannel, error)

// Accept implements RelayAcceptor.
func (f RelayAcceptorFunc) Accept(opts RelayAcceptOptions, h Handlers) (RelayChannel, error) {
	return f(opts, h)
}
