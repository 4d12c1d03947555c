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

// Package ice provides the shared ICE socket and the per-location ICE
// sessions built on it. All sessions of a socket share one UDP port through
// a UDP mux and are told apart by their local credentials.
package ice

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/stun"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/logging"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// ErrClosed is returned after the socket is closed.
var ErrClosed = errors.New("ice socket is closed")

// Default timing of ICE sessions.
const (
	DefaultKeepAliveInterval   = 15 * time.Second
	DefaultDisconnectedTimeout = 50 * time.Second
	DefaultFailedTimeout       = 40 * time.Second
)

// SocketOptions are options for the shared ICE socket.
type SocketOptions struct {
	// ListenAddress is the UDP address to bind. Defaults to "0.0.0.0:0".
	ListenAddress string
	// URLs are STUN and TURN server URLs used to gather reflexive and
	// relayed candidates.
	URLs []string
	// KeepAliveInterval is the interval of ICE keep alive indications.
	KeepAliveInterval time.Duration
	// DisconnectedTimeout is how long a session may go without traffic
	// before it is considered disconnected.
	DisconnectedTimeout time.Duration
	// FailedTimeout is how long a disconnected session may stay
	// disconnected before it fails.
	FailedTimeout time.Duration
	// IncludeLoopback gathers loopback candidates.
	IncludeLoopback bool
	// Logger is the socket logger.
	Logger *slog.Logger
}

type credentials struct {
	ufrag, pwd string
}

func newCredentials() (credentials, error) {
	ufrag, err := crypto.RandomBytes(8)
	if err != nil {
		return credentials{}, err
	}
	pwd, err := crypto.RandomBytes(16)
	if err != nil {
		return credentials{}, err
	}
	return credentials{ufrag: hex.EncodeToString(ufrag), pwd: hex.EncodeToString(pwd)}, nil
}

// Socket is the shared local ICE endpoint. It implements transport.Socket.
type Socket struct {
	opts SocketOptions
	log  *slog.Logger
	conn net.PacketConn
	mux  *ice.UniversalUDPMuxDefault
	urls []*stun.URI

	mu         sync.Mutex
	ready      bool
	gathering  bool
	closed     bool
	candidates candidate.List
	creds      map[string]credentials
	relays     map[string]map[*Session]*relayGather
	subs       map[int]transport.Notify
	nextSub    int
}

// NewSocket binds the socket. Candidates are gathered on the first Wake.
func NewSocket(opts SocketOptions) (*Socket, error) {
	if opts.ListenAddress == "" {
		opts.ListenAddress = "0.0.0.0:0"
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = DefaultFailedTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ice-socket")
	urls := make([]*stun.URI, 0, len(opts.URLs))
	for _, u := range opts.URLs {
		uri, err := stun.ParseURI(u)
		if err != nil {
			return nil, fmt.Errorf("parse ice server uri %q: %w", u, err)
		}
		urls = append(urls, uri)
	}
	conn, err := net.ListenPacket("udp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	mux := ice.NewUniversalUDPMuxDefault(ice.UniversalUDPMuxParams{
		Logger:  logging.NewPionLoggerFactory(log).NewLogger("udpmux"),
		UDPConn: conn,
	})
	return &Socket{
		opts:   opts,
		log:    log,
		conn:   conn,
		mux:    mux,
		urls:   urls,
		creds:  make(map[string]credentials),
		relays: make(map[string]map[*Session]*relayGather),
		subs:   make(map[int]transport.Notify),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// IsReady implements transport.Socket.
func (s *Socket) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Wake implements transport.Socket.
func (s *Socket) Wake() {
	s.mu.Lock()
	if s.ready || s.gathering || s.closed {
		s.mu.Unlock()
		return
	}
	s.gathering = true
	s.mu.Unlock()
	if err := s.gather(); err != nil {
		s.log.Error("Failed to gather local candidates", slog.String("error", err.Error()))
		s.mu.Lock()
		s.gathering = false
		s.mu.Unlock()
	}
}

// Subscribe implements transport.Socket.
func (s *Socket) Subscribe(notify transport.Notify) transport.Subscription {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = notify
	s.mu.Unlock()
	notify(s)
	return transport.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// LocalParameters implements transport.Socket. Besides the shared
// candidates it returns the relayed candidates allocated by the live
// sessions of the context. The parameters are final once both are
// gathered.
func (s *Socket) LocalParameters(localContext string) transport.ICEParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.credentialsLocked(localContext)
	cands := append(candidate.List(nil), s.candidates...)
	final := s.ready
	for _, g := range s.relays[localContext] {
		cands = append(cands, g.candidates...)
		final = final && g.done
	}
	return transport.ICEParameters{
		Username:   creds.ufrag,
		Password:   creds.pwd,
		Candidates: cands,
		Final:      final,
	}
}

// Forget drops the credentials of a context once its sessions are gone.
func (s *Socket) Forget(localContext string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, localContext)
	delete(s.relays, localContext)
}

// relayGather tracks the relayed candidates one session agent allocated.
// They are only usable while that agent is open.
type relayGather struct {
	candidates candidate.List
	done       bool
}

func (s *Socket) startRelayGather(localContext string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relays[localContext] == nil {
		s.relays[localContext] = make(map[*Session]*relayGather)
	}
	s.relays[localContext][sess] = &relayGather{}
}

func (s *Socket) addRelayCandidate(localContext string, sess *Session, c candidate.Candidate) {
	s.updateRelayGather(localContext, sess, func(g *relayGather) {
		g.candidates = append(g.candidates, c)
	})
}

func (s *Socket) relayGatherDone(localContext string, sess *Session) {
	s.updateRelayGather(localContext, sess, func(g *relayGather) {
		g.done = true
	})
}

// removeRelayGather withdraws the candidates of a closed session.
func (s *Socket) removeRelayGather(localContext string, sess *Session) {
	s.mu.Lock()
	gathers := s.relays[localContext]
	g, ok := gathers[sess]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(gathers, sess)
	if len(gathers) == 0 {
		delete(s.relays, localContext)
	}
	changed := len(g.candidates) > 0 || !g.done
	subs := s.subscribersLocked()
	s.mu.Unlock()
	if changed {
		s.notifyAll(subs)
	}
}

func (s *Socket) updateRelayGather(localContext string, sess *Session, fn func(*relayGather)) {
	s.mu.Lock()
	g, ok := s.relays[localContext][sess]
	if !ok {
		s.mu.Unlock()
		return
	}
	fn(g)
	subs := s.subscribersLocked()
	s.mu.Unlock()
	s.notifyAll(subs)
}

func (s *Socket) subscribersLocked() []transport.Notify {
	subs := make([]transport.Notify, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *Socket) notifyAll(subs []transport.Notify) {
	for _, sub := range subs {
		sub(s)
	}
}

func (s *Socket) credentialsLocked(localContext string) credentials {
	if c, ok := s.creds[localContext]; ok {
		return c
	}
	c, err := newCredentials()
	if err != nil {
		panic(err)
	}
	s.creds[localContext] = c
	return c
}

func (s *Socket) agentConfig(creds credentials, types ...ice.CandidateType) *ice.AgentConfig {
	keepalive := s.opts.KeepAliveInterval
	disconnected := s.opts.DisconnectedTimeout
	failed := s.opts.FailedTimeout
	return &ice.AgentConfig{
		Urls:       s.urls,
		LocalUfrag: creds.ufrag,
		LocalPwd:   creds.pwd,
		NetworkTypes: []ice.NetworkType{
			ice.NetworkTypeUDP4,
			ice.NetworkTypeUDP6,
		},
		CandidateTypes:      types,
		KeepaliveInterval:   &keepalive,
		DisconnectedTimeout: &disconnected,
		FailedTimeout:       &failed,
		LoggerFactory:       logging.NewPionLoggerFactory(s.log),
		UDPMux:              s.mux,
		UDPMuxSrflx:         s.mux,
		IncludeLoopback:     s.opts.IncludeLoopback,
	}
}

// gather runs a throwaway agent to learn the host and server reflexive
// candidates every session of this socket will have. Both live on the
// shared mux and outlive the agent. Relayed candidates do not, so each
// session agent allocates and publishes its own.
func (s *Socket) gather() error {
	creds, err := newCredentials()
	if err != nil {
		return err
	}
	agent, err := ice.NewAgent(s.agentConfig(creds, ice.CandidateTypeHost, ice.CandidateTypeServerReflexive))
	if err != nil {
		return fmt.Errorf("create ice agent: %w", err)
	}
	var gathered candidate.List
	err = agent.OnCandidate(func(c ice.Candidate) {
		if c != nil {
			s.log.Debug("Gathered local candidate", slog.String("candidate", c.String()))
			gathered = append(gathered, FromICE(c))
			return
		}
		s.mu.Lock()
		s.candidates = gathered
		s.ready = true
		s.gathering = false
		subs := s.subscribersLocked()
		s.mu.Unlock()
		s.log.Info("Local candidates gathered", slog.Int("count", len(gathered)))
		go func() {
			_ = agent.Close()
		}()
		s.notifyAll(subs)
	})
	if err != nil {
		_ = agent.Close()
		return fmt.Errorf("on candidate: %w", err)
	}
	if err := agent.GatherCandidates(); err != nil {
		_ = agent.Close()
		return fmt.Errorf("gather candidates: %w", err)
	}
	return nil
}

// NewSession implements transport.Socket.
func (s *Socket) NewSession(localContext string, remote transport.ICEParameters, controlling bool, notify transport.Notify) (transport.ICESession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	creds := s.credentialsLocked(localContext)
	s.mu.Unlock()
	return newSession(s, localContext, creds, remote, controlling, notify)
}

// Close closes the socket and its mux.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.mux.Close()
}
