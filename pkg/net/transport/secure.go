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
	"io"

	"github.com/webmeshproj/peerlink/pkg/crypto"
)

// Need is a piece of keying information a security channel asks its owner
// for.
type Need int

const (
	// NeedLocalKey asks for the local DH key pair.
	NeedLocalKey Need = iota
	// NeedSignature asks for a signature over PendingSignature with the
	// local identity key.
	NeedSignature
	// NeedRemoteKey asks for the key that authenticates the remote side:
	// its pinned DH public key or its identity public key.
	NeedRemoteKey
)

// String implements fmt.Stringer.
func (n Need) String() string {
	switch n {
	case NeedLocalKey:
		return "local-key"
	case NeedSignature:
		return "signature"
	case NeedRemoteKey:
		return "remote-key"
	}
	return "unknown"
}

// SecureChannel encrypts messages over an underlying reliable stream.
// While it is in StateWaiting, Needs lists what it is waiting for.
type SecureChannel interface {
	MessageStream
	// Needs returns the keying information the channel is waiting for.
	Needs() []Need
	ProvideLocalKey(kp *crypto.DHKeyPair)
	// PendingSignature is the data to sign for NeedSignature.
	PendingSignature() []byte
	ProvideSignature(sig []byte)
	// ProvideRemoteKey supplies the remote DH key and/or identity key.
	// Either may be nil, but not both.
	ProvideRemoteKey(dh crypto.DHPublicKey, identity crypto.PublicIdentityKey)
}

// SecureOptions are options for a new security channel.
type SecureOptions struct {
	// Initiator is true on the side that opened the underlying stream.
	Initiator     bool
	LocalContext  string
	RemoteContext string
}

// SecureFactory creates security channels.
type SecureFactory interface {
	New(stream io.ReadWriteCloser, opts SecureOptions, h Handlers) (SecureChannel, error)
}

// SecureFactoryFunc implements SecureFactory.
type SecureFactoryFunc func(stream io.ReadWriteCloser, opts SecureOptions, h Handlers) (SecureChannel, error)

// New implements SecureFactory.
func (f SecureFactoryFunc) New(stream io.ReadWriteCloser, opts SecureOptions, h Handlers) (SecureChannel, error) {
	return f(stream, opts, h)
}
