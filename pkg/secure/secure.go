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

// Package secure implements the end-to-end security channel layered on a
// reliable peer stream. Each side sends a hello carrying an ephemeral
// X25519 key signed with its identity key. The remote hello is
// authenticated with the remote's pinned DH key, its identity key, or
// both, and the session keys are derived with HKDF-SHA256 and used with
// ChaCha20-Poly1305.
//
// Keying material is not passed at construction. The channel reports the
// pieces it is missing through Needs and waits in transport.StateWaiting
// until its owner provides them.
package secure

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// Info is the HKDF info string of security channel keys.
const Info = "peerlink secure channel v1"

// Errors returned by the security channel.
var (
	ErrNotReady        = errors.New("secure channel is not ready")
	ErrClosed          = errors.New("secure channel is closed")
	ErrAuthentication  = errors.New("remote hello failed authentication")
	ErrContextMismatch = errors.New("remote hello has unexpected context")
)

type hello struct {
	Context     string `json:"context"`
	DHPublicKey []byte `json:"dhPublicKey"`
	Nonce       []byte `json:"nonce"`
	Signature   []byte `json:"signature"`
}

// HelloSigningInput is the data a side signs in its hello.
func HelloSigningInput(localContext, remoteContext string, dh crypto.DHPublicKey, nonce []byte) []byte {
	out := []byte("peerlink-secure-hello\x00" + localContext + "\x00" + remoteContext + "\x00")
	out = append(out, dh...)
	return append(out, nonce...)
}

// Factory creates security channels. It implements transport.SecureFactory.
type Factory struct {
	Logger *slog.Logger
}

// New implements transport.SecureFactory.
func (f *Factory) New(stream io.ReadWriteCloser, opts transport.SecureOptions, h transport.Handlers) (transport.SecureChannel, error) {
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	return New(stream, opts, h, log), nil
}

// Channel is a security channel over a reliable stream.
type Channel struct {
	opts   transport.SecureOptions
	stream io.ReadWriteCloser
	h      transport.Handlers
	log    *slog.Logger

	mu        sync.Mutex
	state     transport.State
	localKey  *crypto.DHKeyPair
	nonce     []byte
	signInput []byte
	signature []byte
	remoteDH  crypto.DHPublicKey
	remoteID  crypto.PublicIdentityKey
	cipher    *Cipher
	err       error

	wake    chan struct{}
	closed  chan struct{}
	hello   chan hello
	ready   chan struct{}
	writeMu sync.Mutex
}

// New starts a security channel over the stream. The channel owns the
// stream and closes it on shutdown.
func New(stream io.ReadWriteCloser, opts transport.SecureOptions, h transport.Handlers, log *slog.Logger) *Channel {
	c := &Channel{
		opts:   opts,
		stream: stream,
		h:      h,
		log:    log.With("component", "secure-channel", "local-context", opts.LocalContext),
		state:  transport.StateWaiting,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		hello:  make(chan hello, 1),
		ready:  make(chan struct{}),
	}
	go c.readLoop()
	go c.handshake()
	return c
}

// State implements transport.MessageStream.
func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that shut the channel down.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Needs implements transport.SecureChannel.
func (c *Channel) Needs() []transport.Need {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsLocked()
}

func (c *Channel) needsLocked() []transport.Need {
	if c.state != transport.StateWaiting {
		return nil
	}
	var needs []transport.Need
	if c.localKey == nil {
		needs = append(needs, transport.NeedLocalKey)
	} else if c.signature == nil {
		needs = append(needs, transport.NeedSignature)
	}
	if c.remoteDH == nil && c.remoteID == nil {
		needs = append(needs, transport.NeedRemoteKey)
	}
	return needs
}

// ProvideLocalKey implements transport.SecureChannel.
func (c *Channel) ProvideLocalKey(kp *crypto.DHKeyPair) {
	if kp == nil {
		return
	}
	nonce, err := crypto.RandomBytes(16)
	if err != nil {
		c.fail(fmt.Errorf("generate hello nonce: %w", err))
		return
	}
	c.provide(func() {
		if c.localKey != nil {
			return
		}
		c.localKey = kp
		c.nonce = nonce
		c.signInput = HelloSigningInput(c.opts.LocalContext, c.opts.RemoteContext, kp.Public(), nonce)
	})
}

// PendingSignature implements transport.SecureChannel.
func (c *Channel) PendingSignature() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signature != nil {
		return nil
	}
	return c.signInput
}

// ProvideSignature implements transport.SecureChannel.
func (c *Channel) ProvideSignature(sig []byte) {
	if len(sig) == 0 {
		return
	}
	c.provide(func() {
		if c.signInput != nil && c.signature == nil {
			c.signature = sig
		}
	})
}

// ProvideRemoteKey implements transport.SecureChannel.
func (c *Channel) ProvideRemoteKey(dh crypto.DHPublicKey, identity crypto.PublicIdentityKey) {
	if len(dh) == 0 && len(identity) == 0 {
		return
	}
	c.provide(func() {
		if len(dh) > 0 {
			c.remoteDH = dh
		}
		if len(identity) > 0 {
			c.remoteID = identity
		}
	})
}

func (c *Channel) provide(fn func()) {
	c.mu.Lock()
	if c.state.IsDone() {
		c.mu.Unlock()
		return
	}
	fn()
	changed := c.updateStateLocked()
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	if changed {
		c.h.StateChanged(c)
	}
}

func (c *Channel) updateStateLocked() bool {
	if c.state != transport.StateWaiting && c.state != transport.StatePending {
		return false
	}
	next := transport.StatePending
	if c.localKey == nil || c.signature == nil || (c.remoteDH == nil && c.remoteID == nil) {
		next = transport.StateWaiting
	}
	if next == c.state {
		return false
	}
	c.state = next
	return true
}

// WriteMessage implements transport.MessageStream.
func (c *Channel) WriteMessage(data []byte) error {
	c.mu.Lock()
	if c.state != transport.StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	ciph := c.cipher
	c.mu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.stream, ciph.Seal(data)); err != nil {
		c.fail(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Cancel implements transport.MessageStream.
func (c *Channel) Cancel() {
	c.fail(ErrClosed)
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state == transport.StateShutdown {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateShutdown
	c.err = err
	close(c.closed)
	c.mu.Unlock()
	if !errors.Is(err, ErrClosed) {
		c.log.Debug("Secure channel shut down", slog.String("error", err.Error()))
	}
	_ = c.stream.Close()
	c.h.StateChanged(c)
}

// waitFor blocks until cond holds or the channel shuts down.
func (c *Channel) waitFor(cond func() bool) bool {
	for {
		c.mu.Lock()
		if c.state.IsDone() {
			c.mu.Unlock()
			return false
		}
		ok := cond()
		c.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-c.wake:
		case <-c.closed:
			return false
		}
	}
}

func (c *Channel) handshake() {
	if !c.waitFor(func() bool { return c.signature != nil }) {
		return
	}
	c.mu.Lock()
	local := hello{
		Context:     c.opts.LocalContext,
		DHPublicKey: c.localKey.Public(),
		Nonce:       c.nonce,
		Signature:   c.signature,
	}
	c.mu.Unlock()
	data, err := json.Marshal(&local)
	if err != nil {
		c.fail(fmt.Errorf("encode hello: %w", err))
		return
	}
	c.writeMu.Lock()
	err = WriteFrame(c.stream, data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("write hello: %w", err))
		return
	}
	var remote hello
	select {
	case remote = <-c.hello:
	case <-c.closed:
		return
	}
	if remote.Context != c.opts.RemoteContext {
		c.fail(fmt.Errorf("%w: got %q", ErrContextMismatch, remote.Context))
		return
	}
	if !c.waitFor(func() bool { return c.remoteDH != nil || c.remoteID != nil }) {
		return
	}
	c.mu.Lock()
	remoteDH, remoteID, localKey := c.remoteDH, c.remoteID, c.localKey
	c.mu.Unlock()
	if err := verifyHello(&remote, c.opts.LocalContext, remoteDH, remoteID); err != nil {
		c.fail(err)
		return
	}
	shared, err := localKey.SharedSecret(remote.DHPublicKey)
	if err != nil {
		c.fail(fmt.Errorf("key agreement: %w", err))
		return
	}
	salt := append(append([]byte{}, local.Nonce...), remote.Nonce...)
	if !c.opts.Initiator {
		salt = append(append([]byte{}, remote.Nonce...), local.Nonce...)
	}
	ciph, err := NewCipher(shared, salt, Info, c.opts.Initiator)
	if err != nil {
		c.fail(fmt.Errorf("derive keys: %w", err))
		return
	}
	c.mu.Lock()
	if c.state.IsDone() {
		c.mu.Unlock()
		return
	}
	c.cipher = ciph
	c.state = transport.StateReady
	close(c.ready)
	c.mu.Unlock()
	c.log.Debug("Secure channel established")
	c.h.StateChanged(c)
}

func verifyHello(h *hello, localContext string, pinned crypto.DHPublicKey, identity crypto.PublicIdentityKey) error {
	if len(h.DHPublicKey) != crypto.DHKeySize {
		return fmt.Errorf("%w: invalid DH key", ErrAuthentication)
	}
	if len(pinned) > 0 && !pinned.Equal(h.DHPublicKey) {
		return fmt.Errorf("%w: DH key does not match pinned key", ErrAuthentication)
	}
	if len(identity) > 0 {
		input := HelloSigningInput(h.Context, localContext, h.DHPublicKey, h.Nonce)
		if err := identity.Verify(input, h.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
	}
	return nil
}

func (c *Channel) readLoop() {
	r := bufio.NewReaderSize(c.stream, MaxFrameSize+4)
	frame, err := ReadFrame(r)
	if err != nil {
		c.fail(fmt.Errorf("read hello: %w", err))
		return
	}
	var h hello
	if err := json.Unmarshal(frame, &h); err != nil {
		c.fail(fmt.Errorf("decode hello: %w", err))
		return
	}
	c.hello <- h
	select {
	case <-c.ready:
	case <-c.closed:
		return
	}
	c.mu.Lock()
	ciph := c.cipher
	c.mu.Unlock()
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		msg, err := ciph.Open(frame)
		if err != nil {
			c.fail(err)
			return
		}
		c.h.Message(c, msg)
	}
}
