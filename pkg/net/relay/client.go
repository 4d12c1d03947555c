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
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
	"github.com/webmeshproj/peerlink/pkg/secure"
)

// DefaultDialTimeout is the default timeout for establishing a channel.
const DefaultDialTimeout = 30 * time.Second

// Dialer opens outgoing relay channels. It implements transport.RelayDialer.
type Dialer struct {
	// Timeout bounds the connect and handshake. Defaults to DefaultDialTimeout.
	Timeout time.Duration
	// Logger is the dialer logger.
	Logger *slog.Logger
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultDialTimeout
	}
	return d.Timeout
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Dial implements transport.RelayDialer. It returns immediately with a
// pending channel and connects in the background.
func (d *Dialer) Dial(opts transport.RelayDialOptions, h transport.Handlers) (transport.RelayChannel, error) {
	if opts.Token == nil || opts.Token.ID == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnknownToken)
	}
	if opts.LocalKey == nil {
		return nil, errors.New("relay dial: local DH key is required")
	}
	if err := opts.RemoteKey.Validate(); err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	salt, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	log := d.logger().With("component", "relay-channel", "relay", opts.Address, "local-context", opts.LocalContext)
	c := newChannel(h, log)
	go d.connect(c, opts, salt)
	return c, nil
}

func (d *Dialer) connect(c *Channel, opts transport.RelayDialOptions, salt []byte) {
	conn, err := net.DialTimeout("tcp", opts.Address, d.timeout())
	if err != nil {
		c.fail(fmt.Errorf("dial relay: %w", err))
		return
	}
	if !c.setConn(conn) {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(deadline(d.timeout()))
	err = writeFrame(conn, &frame{
		Op:            opDial,
		TokenID:       opts.Token.ID,
		LocalContext:  opts.LocalContext,
		RemoteContext: opts.RemoteContext,
		DHPublicKey:   opts.LocalKey.Public(),
		Salt:          salt,
	})
	if err != nil {
		c.fail(fmt.Errorf("send dial: %w", err))
		return
	}
	r := bufio.NewReaderSize(conn, secure.MaxFrameSize+4)
	f, err := expect(r, opConnected)
	if err != nil {
		c.fail(fmt.Errorf("relay dial: %w", err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	c.established(r, f.Channel, opts.LocalKey, opts.RemoteKey, salt, true)
}

// ListenOptions are options for listening on a relay server.
type ListenOptions struct {
	// Address is the host:port of the relay server.
	Address string
	// LocationID is the local location id.
	LocationID string
	// OnChannelMap receives channel map notifications. It must not block.
	OnChannelMap func(*message.ChannelMapNotify)
	// Timeout bounds the connect and the accept handshakes. Defaults to
	// DefaultDialTimeout.
	Timeout time.Duration
	// Logger is the listener logger.
	Logger *slog.Logger
}

// Listener is a location's registration on a relay server. It implements
// transport.RelayAcceptor for the channels announced to it.
type Listener struct {
	opts  ListenOptions
	conn  net.Conn
	token *candidate.Token
	log   *slog.Logger
	done  chan struct{}
	mu    sync.Mutex
	err   error
}

// Listen registers with a relay server and returns once a token has been
// issued. Channel map notifications are delivered until the listener is
// closed.
func Listen(ctx context.Context, opts ListenOptions) (*Listener, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDialTimeout
	}
	log := opts.Logger
	if log == nil {
		log = context.LoggerFrom(ctx)
	}
	log = log.With("component", "relay-listener", "relay", opts.Address)
	var dialer net.Dialer
	dialctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	conn, err := dialer.DialContext(dialctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	_ = conn.SetDeadline(deadline(opts.Timeout))
	if err := writeFrame(conn, &frame{Op: opListen, LocationID: opts.LocationID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send listen: %w", err)
	}
	r := bufio.NewReaderSize(conn, secure.MaxFrameSize+4)
	f, err := expect(r, opToken)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay listen: %w", err)
	}
	if f.Token == nil || len(f.TokenSecret) == 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: token frame without token", ErrProtocol)
	}
	_ = conn.SetDeadline(time.Time{})
	token := *f.Token
	token.Secret = crypto.Secret(f.TokenSecret)
	l := &Listener{
		opts:  opts,
		conn:  conn,
		token: &token,
		log:   log,
		done:  make(chan struct{}),
	}
	log.Info("Listening on relay server", slog.String("token", token.ID))
	go l.readLoop(r)
	return l, nil
}

// Token returns the issued token, including its secret.
func (l *Listener) Token() *candidate.Token {
	return l.token
}

// Candidate returns the relay candidate to advertise. If host is set the
// remote resolves it with an SRV lookup, otherwise the relay address is
// used directly.
func (l *Listener) Candidate(host string) (candidate.Candidate, error) {
	c := candidate.Candidate{
		Namespace: candidate.NamespaceFinderRelay,
		Transport: candidate.TransportTCP,
		Token:     l.token.Public(),
	}
	if host != "" {
		c.Host = host
		return c, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", l.opts.Address)
	if err != nil {
		return c, fmt.Errorf("resolve relay address: %w", err)
	}
	c.IP = addr.IP.String()
	c.Port = uint16(addr.Port)
	return c, nil
}

// Done is closed when the listener's control connection ends.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the control connection.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close ends the registration.
func (l *Listener) Close() error {
	return l.conn.Close()
}

func (l *Listener) readLoop(r *bufio.Reader) {
	defer close(l.done)
	for {
		f, err := readFrame(r)
		if err != nil {
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			l.log.Debug("Relay control connection closed", slog.String("error", err.Error()))
			return
		}
		switch f.Op {
		case opChannelMap:
			if f.Notify == nil {
				l.log.Warn("Ignoring channel map frame without notification")
				continue
			}
			l.log.Debug("Received channel map notification", slog.Uint64("channel", uint64(f.Notify.Channel)))
			if l.opts.OnChannelMap != nil {
				l.opts.OnChannelMap(f.Notify)
			}
		case opPing:
		default:
			l.log.Warn("Ignoring unexpected relay frame", slog.String("op", string(f.Op)))
		}
	}
}

// Accept implements transport.RelayAcceptor. It returns immediately with a
// pending channel and completes the accept handshake in the background.
func (l *Listener) Accept(opts transport.RelayAcceptOptions, h transport.Handlers) (transport.RelayChannel, error) {
	if opts.Channel == 0 {
		return nil, fmt.Errorf("%w: channel 0", ErrUnknownChannel)
	}
	if opts.LocalKey == nil {
		return nil, errors.New("relay accept: local DH key is required")
	}
	log := l.log.With("component", "relay-channel", "local-context", opts.LocalContext)
	c := newChannel(h, log)
	go l.accept(c, opts)
	return c, nil
}

func (l *Listener) accept(c *Channel, opts transport.RelayAcceptOptions) {
	conn, err := net.DialTimeout("tcp", l.opts.Address, l.opts.Timeout)
	if err != nil {
		c.fail(fmt.Errorf("dial relay: %w", err))
		return
	}
	if !c.setConn(conn) {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(deadline(l.opts.Timeout))
	err = writeFrame(conn, &frame{
		Op:      opAccept,
		TokenID: l.token.ID,
		Channel: opts.Channel,
	})
	if err != nil {
		c.fail(fmt.Errorf("send accept: %w", err))
		return
	}
	r := bufio.NewReaderSize(conn, secure.MaxFrameSize+4)
	f, err := expect(r, opConnected)
	if err != nil {
		c.fail(fmt.Errorf("relay accept: %w", err))
		return
	}
	remote := crypto.DHPublicKey(f.DHPublicKey)
	if err := remote.Validate(); err != nil {
		c.fail(fmt.Errorf("relay accept: %w", err))
		return
	}
	if len(opts.RemoteKey) > 0 && !opts.RemoteKey.Equal(remote) {
		c.fail(ErrKeyMismatch)
		return
	}
	if f.RemoteContext != opts.RemoteContext || f.LocalContext != opts.LocalContext {
		c.fail(fmt.Errorf("%w: channel contexts do not match", ErrProtocol))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	c.established(r, opts.Channel, opts.LocalKey, remote, f.Salt, false)
}
