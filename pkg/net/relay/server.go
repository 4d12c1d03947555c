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
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/secure"
)

const (
	// DefaultListenAddress is the default relay server address.
	DefaultListenAddress = "[::]:3479"
	// DefaultTokenTTL is how long issued tokens are valid.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultProofTTL is how long a channel map proof is valid.
	DefaultProofTTL = time.Minute
	// DefaultAcceptTimeout is how long a dialer waits for the listener to
	// accept a channel.
	DefaultAcceptTimeout = 30 * time.Second
	// DefaultBufferSize is the copy buffer size of spliced channels.
	DefaultBufferSize = 64 * 1024
)

// ServerOptions are options for the relay server.
type ServerOptions struct {
	// ListenAddress is the TCP address to listen on.
	ListenAddress string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// ProofTTL is the lifetime of channel map proofs.
	ProofTTL time.Duration
	// AcceptTimeout bounds how long a dial waits to be accepted.
	AcceptTimeout time.Duration
	// HandshakeTimeout bounds the first frame of every connection.
	HandshakeTimeout time.Duration
}

// Server is a finder relay server.
type Server struct {
	opts ServerOptions
	log  *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	listeners map[string]*listenerConn
	pending   map[uint32]*pendingDial
	conns     map[net.Conn]struct{}
	next      uint32
	wg        sync.WaitGroup
	closed    bool
}

type listenerConn struct {
	conn    net.Conn
	token   *candidate.Token
	writeMu sync.Mutex
}

func (l *listenerConn) send(f *frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeFrame(l.conn, f)
}

type pendingDial struct {
	tokenID  string
	notify   *message.ChannelMapNotify
	dh       []byte
	salt     []byte
	accepted chan net.Conn
}

// NewServer returns a new relay server.
func NewServer(ctx context.Context, opts ServerOptions) *Server {
	if opts.ListenAddress == "" {
		opts.ListenAddress = DefaultListenAddress
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.ProofTTL <= 0 {
		opts.ProofTTL = DefaultProofTTL
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = DefaultAcceptTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultDialTimeout
	}
	return &Server{
		opts:      opts,
		log:       context.LoggerFrom(ctx).With("component", "relay-server"),
		listeners: make(map[string]*listenerConn),
		pending:   make(map[uint32]*pendingDial),
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until the
// server is shut down.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts relay connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("Starting relay server", slog.String("listen-address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting connections and closes every active one.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("remote-addr", conn.RemoteAddr().String())
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	r := bufio.NewReaderSize(conn, secure.MaxFrameSize+4)
	f, err := readFrame(r)
	if err != nil {
		log.Debug("Failed to read relay handshake", slog.String("error", err.Error()))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch f.Op {
	case opListen:
		s.handleListen(log, conn, r, f)
	case opDial:
		s.handleDial(log, conn, r, f)
	case opAccept:
		s.handleAccept(log, conn, f)
	default:
		_ = writeFrame(conn, &frame{Op: opError, Error: fmt.Sprintf("unexpected op %q", f.Op)})
	}
}

func (s *Server) handleListen(log *slog.Logger, conn net.Conn, r *bufio.Reader, f *frame) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		log.Error("Failed to generate token secret", slog.String("error", err.Error()))
		return
	}
	token, err := candidate.NewToken(secret, candidate.RelayResource, time.Now().Add(s.opts.TokenTTL))
	if err != nil {
		log.Error("Failed to issue relay token", slog.String("error", err.Error()))
		return
	}
	lc := &listenerConn{conn: conn, token: token}
	if err := lc.send(&frame{Op: opToken, Token: token.Public(), TokenSecret: secret}); err != nil {
		log.Debug("Failed to send relay token", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.listeners[token.ID] = lc
	s.mu.Unlock()
	metrics.RelayListeners.Inc()
	log = log.With("location", f.LocationID, "token", token.ID)
	log.Info("Location listening on relay")
	defer func() {
		s.mu.Lock()
		delete(s.listeners, token.ID)
		s.mu.Unlock()
		metrics.RelayListeners.Dec()
		log.Info("Location stopped listening on relay")
	}()
	// The control stream only carries pings from the listener.
	for {
		f, err := readFrame(r)
		if err != nil {
			return
		}
		if f.Op != opPing {
			log.Debug("Ignoring unexpected frame on control stream", slog.String("op", string(f.Op)))
		}
	}
}

func (s *Server) handleDial(log *slog.Logger, conn net.Conn, r *bufio.Reader, f *frame) {
	if err := crypto.DHPublicKey(f.DHPublicKey).Validate(); err != nil || len(f.Salt) == 0 {
		_ = writeFrame(conn, &frame{Op: opError, Error: "invalid dial handshake"})
		return
	}
	s.mu.Lock()
	lc, ok := s.listeners[f.TokenID]
	if !ok {
		s.mu.Unlock()
		log.Debug("Dial for unknown token", slog.String("token", f.TokenID))
		_ = writeFrame(conn, &frame{Op: opError, Error: ErrUnknownToken.Error()})
		return
	}
	s.next++
	if s.next == 0 {
		s.next++
	}
	channel := s.next
	s.mu.Unlock()

	proof, err := candidate.NewProof(lc.token, candidate.RelayResource, time.Now().Add(s.opts.ProofTTL))
	if err != nil {
		log.Error("Failed to create channel proof", slog.String("error", err.Error()))
		_ = writeFrame(conn, &frame{Op: opError, Error: "internal error"})
		return
	}
	// Contexts are announced from the listener's point of view.
	pd := &pendingDial{
		tokenID: f.TokenID,
		notify: &message.ChannelMapNotify{
			LocalContext:  f.RemoteContext,
			RemoteContext: f.LocalContext,
			Channel:       channel,
			Proof:         proof,
		},
		dh:       f.DHPublicKey,
		salt:     f.Salt,
		accepted: make(chan net.Conn, 1),
	}
	s.mu.Lock()
	s.pending[channel] = pd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, channel)
		s.mu.Unlock()
	}()
	log = log.With("channel", channel)
	if err := lc.send(&frame{Op: opChannelMap, Notify: pd.notify}); err != nil {
		log.Debug("Failed to notify listener", slog.String("error", err.Error()))
		_ = writeFrame(conn, &frame{Op: opError, Error: "listener unavailable"})
		return
	}
	var peer net.Conn
	select {
	case peer = <-pd.accepted:
	case <-time.After(s.opts.AcceptTimeout):
		s.mu.Lock()
		delete(s.pending, channel)
		select {
		case peer = <-pd.accepted:
		default:
		}
		s.mu.Unlock()
		if peer != nil {
			break
		}
		log.Debug("Relay channel was not accepted")
		_ = writeFrame(conn, &frame{Op: opError, Error: ErrAcceptTimeout.Error()})
		return
	}
	defer peer.Close()
	if err := writeFrame(conn, &frame{Op: opConnected, Channel: channel}); err != nil {
		return
	}
	metrics.RelayChannels.Inc()
	defer metrics.RelayChannels.Dec()
	ctx := context.WithRelayChannel(context.WithLogger(context.Background(), log), channel)
	if err := Splice(ctx, readWriteCloser{r, conn}, peer); err != nil {
		log.Debug("Relay channel ended with error", slog.String("error", err.Error()))
	}
}

func (s *Server) handleAccept(log *slog.Logger, conn net.Conn, f *frame) {
	s.mu.Lock()
	pd, ok := s.pending[f.Channel]
	s.mu.Unlock()
	if !ok || pd.tokenID != f.TokenID {
		log.Debug("Accept for unknown channel", slog.Uint64("channel", uint64(f.Channel)))
		_ = writeFrame(conn, &frame{Op: opError, Error: ErrUnknownChannel.Error()})
		return
	}
	err := writeFrame(conn, &frame{
		Op:            opConnected,
		Channel:       f.Channel,
		LocalContext:  pd.notify.LocalContext,
		RemoteContext: pd.notify.RemoteContext,
		DHPublicKey:   pd.dh,
		Salt:          pd.salt,
	})
	if err != nil {
		return
	}
	done := make(chan struct{})
	s.mu.Lock()
	if _, ok := s.pending[f.Channel]; !ok {
		// The dialer gave up while we were replying.
		s.mu.Unlock()
		return
	}
	delete(s.pending, f.Channel)
	pd.accepted <- &closeNotifyConn{Conn: conn, done: done}
	s.mu.Unlock()
	// The dial handler owns the connection from here on; keep this
	// goroutine tracked until it is released.
	<-done
}

type closeNotifyConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *closeNotifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

// readWriteCloser reads through a buffered reader that may already hold
// bytes read from conn.
type readWriteCloser struct {
	r    io.Reader
	conn net.Conn
}

func (rw readWriteCloser) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw readWriteCloser) Write(p []byte) (int, error) { return rw.conn.Write(p) }
func (rw readWriteCloser) Close() error                { return rw.conn.Close() }

// Splice copies data between two streams until either side closes. Both
// streams are closed when it returns.
func Splice(ctx context.Context, a, b io.ReadWriteCloser) error {
	log := context.LoggerFrom(ctx)
	if channel, ok := context.RelayChannelFrom(ctx); ok {
		log = log.With("relay-channel", channel)
	}
	var total atomic.Int64
	defer func() {
		log.Debug("Splice has finished", slog.Int64("bytes", total.Load()))
	}()
	var errg errgroup.Group
	errg.Go(func() error {
		defer b.Close()
		n, err := io.CopyBuffer(b, a, make([]byte, DefaultBufferSize))
		total.Add(n)
		metrics.RelayBytesTotal.Add(float64(n))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay dialer to listener: %w", err)
		}
		return nil
	})
	errg.Go(func() error {
		defer a.Close()
		n, err := io.CopyBuffer(a, b, make([]byte, DefaultBufferSize))
		total.Add(n)
		metrics.RelayBytesTotal.Add(float64(n))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay listener to dialer: %w", err)
		}
		return nil
	})
	return errg.Wait()
}
