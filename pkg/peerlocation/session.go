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

package peerlocation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/clock"
	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/identity"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/monitor"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// ID identifies a session within its registry.
type ID uint64

// Session is the connection to one remote location.
//
// All state is guarded by mu, which is never held while calling the
// delegate. Collaborators report through Registry.Post; events are queued
// and processed by whoever holds or next acquires the lock, and step runs
// after every event.
type Session struct {
	id        ID
	reg       *Registry
	reason    Reason
	log       *slog.Logger
	clock     clock.Clock
	timing    Timing
	account   Account
	delegate  Delegate
	factories Factories
	peer      *identity.Peer
	peerFiles *identity.PeerFiles
	trace     func(step string)

	localContext  string
	remoteContext string
	localKey      *crypto.DHKeyPair
	// findRequest is the received request of incoming sessions and the
	// sent request of outgoing sessions.
	findRequest *message.Envelope
	// remoteLocationID is the location id of the remote side.
	remoteLocationID string
	// remoteRelay is the relay candidate of an incoming find request.
	remoteRelay    candidate.Candidate
	hasRemoteRelay bool

	ctx       context.Context
	cancelCtx context.CancelFunc
	monitors  *monitor.Registry

	mu       sync.Mutex
	qmu      sync.Mutex
	queue    []Event
	deferred []func()

	state             State
	remoteKey         crypto.DHPublicKey
	remoteKeyProvided bool
	lastActivity      time.Time
	identifyTime      time.Time
	hadConnection     bool
	hadPeerConnection bool
	shouldRefind      bool
	errCode           int
	errReason         string

	subscription transport.Subscription
	iceSession   transport.ICESession
	transport    transport.Transport
	secure       transport.SecureChannel
	outRelay     transport.RelayChannel
	inRelay      transport.RelayChannel

	remoteParams        transport.ICEParameters
	haveRemoteParams    bool
	remoteParamsVersion string
	lastNotifyVersion   string
	sentFindResult      bool

	relayLookup  *lookupToken
	relayAddress string

	findMonitor      *monitor.Monitor
	findTimer        clock.Timer
	findTimerToken   *timerToken
	identifyMonitor  *monitor.Monitor
	identifySent     bool
	keepAliveMonitor *monitor.Monitor
	correctiveSent   bool
	inChannel        uint32
	inChannelMapped  bool

	shutdownTimer      clock.Timer
	shutdownTimerToken *timerToken
	forceHard          bool
	transportShutdown  bool
	iceShutdown        bool
}

// NewIncoming creates a session answering the find request in opts. It
// panics if opts.Peer is nil.
func NewIncoming(reg *Registry, opts IncomingOptions) (*Session, error) {
	if opts.Peer == nil {
		panic("peerlocation: nil peer identity")
	}
	if opts.Request == nil || !opts.Request.Is(message.MethodPeerLocationFind, message.KindRequest) {
		return nil, fmt.Errorf("%w: not a find request", message.ErrMalformed)
	}
	var req message.FindRequest
	if err := opts.Request.Decode(&req); err != nil {
		return nil, err
	}
	if req.PeerURI != opts.Peer.URI {
		return nil, fmt.Errorf("%w: find request from %q", ErrPeerMismatch, req.PeerURI)
	}
	s, err := newSession(reg, opts.Options, ReasonIncomingFind)
	if err != nil {
		return nil, err
	}
	s.localContext = s.peerFiles.LocationID
	s.remoteContext = req.Context
	s.remoteLocationID = req.LocationID
	s.findRequest = opts.Request
	if len(req.DHPublicKey) > 0 {
		dh := crypto.DHPublicKey(req.DHPublicKey)
		if err := dh.Validate(); err != nil {
			return nil, err
		}
		s.remoteKey = dh
	}
	candidates := candidate.Filter(req.Candidates)
	s.remoteRelay, s.hasRemoteRelay = candidates.Relay()
	s.remoteParams = transport.ICEParameters{
		Username:   req.ICEUsername,
		Password:   req.ICEPassword,
		Candidates: candidates.ICE(),
		Final:      req.Final,
	}
	s.haveRemoteParams = true
	if opts.DidVerifySignature {
		s.identifyTime = s.clock.Now()
	}
	s.start()
	return s, nil
}

// NewOutgoing creates a session for a local find of the remote location.
// The find request to send through discovery is available from
// FindRequest. It panics if opts.Peer is nil.
func NewOutgoing(reg *Registry, opts OutgoingOptions) (*Session, error) {
	if opts.Peer == nil {
		panic("peerlocation: nil peer identity")
	}
	if opts.RemoteLocationID == "" {
		return nil, fmt.Errorf("remote location id must be set")
	}
	s, err := newSession(reg, opts.Options, ReasonOutgoingFind)
	if err != nil {
		return nil, err
	}
	s.localContext = opts.LocalContext
	if s.localContext == "" {
		s.localContext = uuid.NewString()
	}
	s.remoteContext = opts.RemoteLocationID
	s.remoteLocationID = opts.RemoteLocationID
	if len(opts.RemoteDHPublicKey) > 0 {
		if err := opts.RemoteDHPublicKey.Validate(); err != nil {
			return nil, err
		}
		s.remoteKey = opts.RemoteDHPublicKey
	}
	local := s.localParameters()
	req := &message.FindRequest{
		PeerURI:     s.peerFiles.URI,
		LocationID:  s.peerFiles.LocationID,
		Context:     s.localContext,
		ICEUsername: local.Username,
		ICEPassword: local.Password,
		Candidates:  local.Candidates,
		Final:       local.Final,
		DHPublicKey: s.localKey.Public(),
	}
	req.Signature = s.peerFiles.Key.Sign(req.SigningInput())
	env, err := message.NewRequest(message.MethodPeerLocationFind, req)
	if err != nil {
		return nil, err
	}
	s.findRequest = env
	s.lastNotifyVersion = local.Version()
	s.start()
	return s, nil
}

func newSession(reg *Registry, opts Options, reason Reason) (*Session, error) {
	if opts.Account == nil {
		return nil, fmt.Errorf("account must be set")
	}
	pf := opts.Account.PeerFiles()
	if pf == nil || pf.Key == nil {
		return nil, fmt.Errorf("account has no identity")
	}
	kp, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate dh key pair: %w", err)
	}
	s := &Session{
		reg:       reg,
		reason:    reason,
		clock:     reg.clock,
		timing:    opts.Timing.withDefaults(),
		account:   opts.Account,
		delegate:  opts.Delegate,
		factories: opts.Factories,
		peer:      opts.Peer,
		peerFiles: pf,
		trace:     opts.StepTrace,
		localKey:  kp,
		monitors:  monitor.NewRegistry(reg.clock),
	}
	s.lastActivity = s.clock.Now()
	return s, nil
}

// start registers the session, arms the find timers and runs the first step.
func (s *Session) start() {
	s.mu.Lock()
	defer s.unlock()
	s.id = s.reg.add(s)
	s.log = s.reg.log.With(
		slog.Uint64("session", uint64(s.id)),
		slog.String("reason", s.reason.String()),
		slog.String("local-context", s.localContext),
		slog.String("remote-context", s.remoteContext),
	)
	s.ctx, s.cancelCtx = context.WithCancel(context.WithLogger(context.Background(), s.log))
	metrics.SessionStates.WithLabelValues(StatePending.String()).Inc()
	s.log.Debug("Starting peer location session")
	s.findMonitor = s.monitors.Monitor(s.findRequest, 0, s.monitorHandler())
	tok := &timerToken{kind: timerFind}
	s.findTimerToken = tok
	s.findTimer = s.clock.AfterFunc(s.timing.FindTimeout, s.timerFunc(tok))
	s.step()
}

// post queues an event and processes the queue if the lock is free.
func (s *Session) post(ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	if !s.mu.TryLock() {
		return
	}
	s.unlock()
}

// unlock processes queued events, releases the lock, runs deferred
// delegate calls and repeats while events keep arriving.
func (s *Session) unlock() {
	for {
		for {
			ev, ok := s.dequeue()
			if !ok {
				break
			}
			s.handleEvent(ev)
		}
		deferred := s.deferred
		s.deferred = nil
		s.mu.Unlock()
		for _, fn := range deferred {
			fn()
		}
		if !s.hasQueued() || !s.mu.TryLock() {
			return
		}
	}
}

func (s *Session) dequeue() (Event, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Session) hasQueued() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue) > 0
}

// notifyDelegate schedules a delegate call for after the lock is released.
func (s *Session) notifyDelegate(fn func(d Delegate)) {
	if s.delegate == nil {
		return
	}
	d := s.delegate
	s.deferred = append(s.deferred, func() { fn(d) })
}

func (s *Session) notifier(kind EventKind) transport.Notify {
	reg, id := s.reg, s.id
	return func(src any) {
		reg.Post(id, Event{Kind: kind, Source: src})
	}
}

func (s *Session) handlers(kind EventKind) transport.Handlers {
	reg, id := s.reg, s.id
	return transport.Handlers{
		OnStateChange: func(src any) {
			reg.Post(id, Event{Kind: kind, Source: src})
		},
		OnMessage: func(src any, data []byte) {
			reg.Post(id, Event{Kind: EventMessage, Source: src, Data: data})
		},
	}
}

func (s *Session) monitorHandler() monitor.Handler {
	reg, id := s.reg, s.id
	return func(m *monitor.Monitor, res *message.Envelope, err error) {
		reg.Post(id, Event{Kind: EventMonitorResult, Source: m, Monitor: m, Result: res, Err: err})
	}
}

func (s *Session) timerFunc(tok *timerToken) func() {
	reg, id := s.reg, s.id
	return func() {
		reg.Post(id, Event{Kind: EventTimer, Source: tok})
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Debug("Peer location state changed",
		slog.String("from", s.state.String()),
		slog.String("to", state.String()))
	metrics.SessionStates.WithLabelValues(s.state.String()).Dec()
	if state != StateShutdown {
		metrics.SessionStates.WithLabelValues(state.String()).Inc()
	}
	s.state = state
	s.notifyDelegate(func(d Delegate) { d.SessionStateChanged(s, state) })
}

// localParameters returns the parameters this side advertises. Outgoing
// sessions add the relay candidate of the account.
func (s *Session) localParameters() transport.ICEParameters {
	p := s.account.Socket().LocalParameters(s.localContext)
	p.Candidates = p.Candidates.ICE()
	if s.reason == ReasonOutgoingFind {
		if c, ok := s.account.RelayCandidate(); ok {
			c.Token = c.Token.Public()
			p.Candidates = append(p.Candidates, c)
		}
	}
	return p
}

// ID returns the id of the session in its registry.
func (s *Session) ID() ID { return s.id }

// Reason returns why the session exists.
func (s *Session) Reason() Reason { return s.reason }

// LocalContext returns the local context of the session.
func (s *Session) LocalContext() string { return s.localContext }

// RemoteContext returns the remote context of the session.
func (s *Session) RemoteContext() string { return s.remoteContext }

// Peer returns the remote peer.
func (s *Session) Peer() *identity.Peer { return s.peer }

// LocalDHPublicKey returns the public half of the session DH key pair.
func (s *Session) LocalDHPublicKey() crypto.DHPublicKey { return s.localKey.Public() }

// FindRequest returns the find request of the session. For outgoing
// sessions it is the request to send through discovery.
func (s *Session) FindRequest() *message.Envelope { return s.findRequest }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.unlock()
	return s.state
}

// Err returns the error code and reason the session ended with, if any.
func (s *Session) Err() (int, string) {
	s.mu.Lock()
	defer s.unlock()
	return s.errCode, s.errReason
}

// LastActivity returns when a message was last received or a keep alive
// was last sent.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.unlock()
	return s.lastActivity
}

// IsIdentified reports whether the remote location has been identified.
func (s *Session) IsIdentified() bool {
	s.mu.Lock()
	defer s.unlock()
	return !s.identifyTime.IsZero()
}

// ShouldRefindNow reports whether discovery should be restarted for the
// remote location.
func (s *Session) ShouldRefindNow() bool {
	s.mu.Lock()
	defer s.unlock()
	if !s.identifyTime.IsZero() && s.clock.Now().Sub(s.identifyTime) > s.timing.MinConnectedBeforeRefind {
		return true
	}
	return s.shouldRefind
}

// SetShouldRefind overrides the refind flag.
func (s *Session) SetShouldRefind(v bool) {
	s.mu.Lock()
	defer s.unlock()
	s.shouldRefind = v
}

// Wake runs the state machine.
func (s *Session) Wake() {
	s.post(Event{Kind: EventWake})
}

// HandleMessage processes a message received from the remote location
// outside of the session paths, e.g. through discovery.
func (s *Session) HandleMessage(env *message.Envelope) {
	if env == nil {
		return
	}
	s.post(Event{Kind: EventMessage, Envelope: env})
}

// Info is a snapshot of a session.
type Info struct {
	ID                ID
	Reason            Reason
	State             State
	LocalContext      string
	RemoteContext     string
	RemoteLocationID  string
	ActivePath        string
	Identified        bool
	HadConnection     bool
	HadPeerConnection bool
	ShouldRefind      bool
	LastActivity      time.Time
	ErrorCode         int
	ErrorReason       string
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.unlock()
	path, _ := s.activeStream()
	return Info{
		ID:                s.id,
		Reason:            s.reason,
		State:             s.state,
		LocalContext:      s.localContext,
		RemoteContext:     s.remoteContext,
		RemoteLocationID:  s.remoteLocationID,
		ActivePath:        path,
		Identified:        !s.identifyTime.IsZero(),
		HadConnection:     s.hadConnection,
		HadPeerConnection: s.hadPeerConnection,
		ShouldRefind:      s.shouldRefind,
		LastActivity:      s.lastActivity,
		ErrorCode:         s.errCode,
		ErrorReason:       s.errReason,
	}
}
