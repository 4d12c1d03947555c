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

package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
	"github.com/webmeshproj/peerlink/pkg/secure"
)

// Channel is one end of a relay channel. It implements
// transport.RelayChannel.
type Channel struct {
	h   transport.Handlers
	log *slog.Logger

	mu       sync.Mutex
	state    transport.State
	channel  uint32
	remoteDH crypto.DHPublicKey
	conn     net.Conn
	cipher   *secure.Cipher
	err      error
	closed   chan struct{}
	writeMu  sync.Mutex
}

func newChannel(h transport.Handlers, log *slog.Logger) *Channel {
	return &Channel{
		h:      h,
		log:    log,
		state:  transport.StatePending,
		closed: make(chan struct{}),
	}
}

// State implements transport.MessageStream.
func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel implements transport.RelayChannel.
func (c *Channel) Channel() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// RemoteDHPublicKey implements transport.RelayChannel.
func (c *Channel) RemoteDHPublicKey() crypto.DHPublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDH
}

// Err returns the error that shut the channel down.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WriteMessage implements transport.MessageStream.
func (c *Channel) WriteMessage(data []byte) error {
	c.mu.Lock()
	if c.state != transport.StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	conn, ciph := c.conn, c.cipher
	c.mu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := secure.WriteFrame(conn, ciph.Seal(data)); err != nil {
		c.fail(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Cancel implements transport.MessageStream.
func (c *Channel) Cancel() {
	c.fail(ErrClosed)
}

// setConn records the connection while connecting so that Cancel can
// interrupt the handshake. It returns false if the channel was canceled.
func (c *Channel) setConn(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsDone() {
		return false
	}
	c.conn = conn
	return true
}

// established derives the channel keys and starts reading.
func (c *Channel) established(r *bufio.Reader, channel uint32, local *crypto.DHKeyPair, remote crypto.DHPublicKey, salt []byte, initiator bool) {
	shared, err := local.SharedSecret(remote)
	if err != nil {
		c.fail(fmt.Errorf("key agreement: %w", err))
		return
	}
	ciph, err := secure.NewCipher(shared, salt, Info, initiator)
	if err != nil {
		c.fail(fmt.Errorf("derive keys: %w", err))
		return
	}
	c.mu.Lock()
	if c.state.IsDone() {
		c.mu.Unlock()
		return
	}
	c.channel = channel
	c.remoteDH = remote
	c.cipher = ciph
	c.state = transport.StateReady
	c.mu.Unlock()
	c.log.Debug("Relay channel established", slog.Uint64("channel", uint64(channel)))
	c.h.StateChanged(c)
	go c.readLoop(r, ciph)
}

func (c *Channel) readLoop(r *bufio.Reader, ciph *secure.Cipher) {
	for {
		frame, err := secure.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
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

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state == transport.StateShutdown {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateShutdown
	c.err = err
	conn := c.conn
	close(c.closed)
	c.mu.Unlock()
	if !errors.Is(err, ErrClosed) {
		c.log.Debug("Relay channel shut down", slog.String("error", err.Error()))
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.h.StateChanged(c)
}
