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
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/clock"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/identity"
	"github.com/webmeshproj/peerlink/pkg/logging"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
	"github.com/webmeshproj/peerlink/pkg/noncecache"
)

var epoch = time.Date(2023, 9, 1, 12, 0, 0, 0, time.UTC)

// fakeSocket is a transport.Socket whose readiness is driven by the test.
type fakeSocket struct {
	mu         sync.Mutex
	ready      bool
	wakes      int
	subs       map[int]transport.Notify
	nextSub    int
	cancels    int
	candidates candidate.List
	sessions   []*fakeICESession
	forgotten  []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		subs: make(map[int]transport.Notify),
		candidates: candidate.List{
			{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost, Foundation: "1", Component: 1, Priority: 100, IP: "10.0.0.1", Port: 5000},
		},
	}
}

func (f *fakeSocket) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeSocket) Wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes++
}

func (f *fakeSocket) Subscribe(notify transport.Notify) transport.Subscription {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = notify
	f.mu.Unlock()
	notify(f)
	return transport.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
		f.cancels++
	})
}

func (f *fakeSocket) LocalParameters(localContext string) transport.ICEParameters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.ICEParameters{
		Username:   "ufrag-" + localContext,
		Password:   "pwd-" + localContext,
		Candidates: append(candidate.List(nil), f.candidates...),
		Final:      f.ready,
	}
}

func (f *fakeSocket) NewSession(localContext string, remote transport.ICEParameters, controlling bool, notify transport.Notify) (transport.ICESession, error) {
	s := &fakeICESession{remote: remote, controlling: controlling, notify: notify}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSocket) Forget(localContext string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, localContext)
}

func (f *fakeSocket) setReady() {
	f.mu.Lock()
	f.ready = true
	subs := make([]transport.Notify, 0, len(f.subs))
	for _, n := range f.subs {
		subs = append(subs, n)
	}
	f.mu.Unlock()
	for _, n := range subs {
		n(f)
	}
}

func (f *fakeSocket) addCandidate(c candidate.Candidate) {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	subs := make([]transport.Notify, 0, len(f.subs))
	for _, n := range f.subs {
		subs = append(subs, n)
	}
	f.mu.Unlock()
	for _, n := range subs {
		n(f)
	}
}

func (f *fakeSocket) session(t *testing.T) *fakeICESession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) != 1 {
		t.Fatalf("expected 1 ice session, got %d", len(f.sessions))
	}
	return f.sessions[0]
}

// fakeICESession is a transport.ICESession driven by the test.
type fakeICESession struct {
	mu          sync.Mutex
	state       transport.State
	reason      transport.Reason
	remote      transport.ICEParameters
	updates     int
	controlling bool
	notify      transport.Notify
	holdClose   bool
	shutdowns   int
	cancels     int
}

func (f *fakeICESession) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeICESession) Reason() transport.Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeICESession) Update(remote transport.ICEParameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = remote
	f.updates++
	return nil
}

func (f *fakeICESession) Conn() net.Conn { return nil }

func (f *fakeICESession) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	if f.holdClose {
		f.state = transport.StateShuttingDown
	} else {
		f.state = transport.StateShutdown
		f.reason = transport.ReasonClosed
	}
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeICESession) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.state = transport.StateShutdown
	f.reason = transport.ReasonCanceled
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeICESession) set(state transport.State, reason transport.Reason) {
	f.mu.Lock()
	f.state = state
	f.reason = reason
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeICESession) counts() (shutdowns, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns, f.cancels
}

// fakeTransport is a transport.Transport driven by the test.
type fakeTransport struct {
	mu        sync.Mutex
	state     transport.State
	initiator bool
	notify    transport.Notify
	holdClose bool
	shutdowns int
	cancels   int
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Stream() io.ReadWriteCloser { return nopStream{} }

func (f *fakeTransport) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	if f.holdClose {
		f.state = transport.StateShuttingDown
	} else {
		f.state = transport.StateShutdown
	}
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeTransport) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.state = transport.StateShutdown
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeTransport) set(state transport.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.notify(f)
}

func (f *fakeTransport) counts() (shutdowns, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns, f.cancels
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }

type fakeTransportFactory struct {
	mu     sync.Mutex
	opened []*fakeTransport
}

func (f *fakeTransportFactory) Open(conn net.Conn, initiator bool, notify transport.Notify) (transport.Transport, error) {
	t := &fakeTransport{initiator: initiator, notify: notify}
	f.mu.Lock()
	f.opened = append(f.opened, t)
	f.mu.Unlock()
	return t, nil
}

func (f *fakeTransportFactory) get(t *testing.T) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) != 1 {
		t.Fatalf("expected 1 transport, got %d", len(f.opened))
	}
	return f.opened[0]
}

// fakeStream is the shared part of the secure and relay fakes: a message
// stream that records what is written to it.
type fakeStream struct {
	mu      sync.Mutex
	state   transport.State
	h       transport.Handlers
	written [][]byte
	cancels int
}

func (f *fakeStream) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateReady {
		return io.ErrClosedPipe
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeStream) cancelLocked() {
	f.cancels++
	f.state = transport.StateShutdown
}

func (f *fakeStream) messages(t *testing.T) []*message.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.Envelope, 0, len(f.written))
	for _, data := range f.written {
		env, err := message.DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("decode written message: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeStream) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeSecure struct {
	fakeStream
	opts       transport.SecureOptions
	localKey   *crypto.DHKeyPair
	signature  []byte
	remoteDH   crypto.DHPublicKey
	remoteID   crypto.PublicIdentityKey
	remoteKeys int
}

func (f *fakeSecure) Needs() []transport.Need {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateWaiting {
		return nil
	}
	var needs []transport.Need
	if f.localKey == nil {
		needs = append(needs, transport.NeedLocalKey)
	} else if f.signature == nil {
		needs = append(needs, transport.NeedSignature)
	}
	if f.remoteKeys == 0 {
		needs = append(needs, transport.NeedRemoteKey)
	}
	return needs
}

func (f *fakeSecure) ProvideLocalKey(kp *crypto.DHKeyPair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localKey = kp
}

func (f *fakeSecure) PendingSignature() []byte { return []byte("hello") }

func (f *fakeSecure) ProvideSignature(sig []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signature = sig
}

func (f *fakeSecure) ProvideRemoteKey(dh crypto.DHPublicKey, id crypto.PublicIdentityKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDH, f.remoteID = dh, id
	f.remoteKeys++
}

func (f *fakeSecure) Cancel() {
	f.mu.Lock()
	f.cancelLocked()
	f.mu.Unlock()
	f.h.StateChanged(f)
}

func (f *fakeSecure) set(state transport.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.h.StateChanged(f)
}

func (f *fakeSecure) deliver(t *testing.T, env *message.Envelope) {
	t.Helper()
	data, err := message.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	f.h.Message(f, data)
}

type fakeSecureFactory struct {
	mu     sync.Mutex
	opened []*fakeSecure
}

func (f *fakeSecureFactory) New(stream io.ReadWriteCloser, opts transport.SecureOptions, h transport.Handlers) (transport.SecureChannel, error) {
	sc := &fakeSecure{opts: opts}
	sc.state = transport.StateWaiting
	sc.h = h
	f.mu.Lock()
	f.opened = append(f.opened, sc)
	f.mu.Unlock()
	return sc, nil
}

func (f *fakeSecureFactory) get(t *testing.T) *fakeSecure {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) != 1 {
		t.Fatalf("expected 1 security channel, got %d", len(f.opened))
	}
	return f.opened[0]
}

type fakeRelay struct {
	fakeStream
	channel  uint32
	remoteDH crypto.DHPublicKey
	dial     transport.RelayDialOptions
	accept   transport.RelayAcceptOptions
}

func (f *fakeRelay) Channel() uint32 { return f.channel }

func (f *fakeRelay) RemoteDHPublicKey() crypto.DHPublicKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDH
}

func (f *fakeRelay) Cancel() {
	f.mu.Lock()
	f.cancelLocked()
	f.mu.Unlock()
	f.h.StateChanged(f)
}

func (f *fakeRelay) set(state transport.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.h.StateChanged(f)
}

func (f *fakeRelay) deliver(t *testing.T, env *message.Envelope) {
	t.Helper()
	data, err := message.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	f.h.Message(f, data)
}

type fakeRelayDialer struct {
	mu     sync.Mutex
	err    error
	dialed []*fakeRelay
}

func (f *fakeRelayDialer) Dial(opts transport.RelayDialOptions, h transport.Handlers) (transport.RelayChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRelay{dial: opts}
	r.h = h
	f.dialed = append(f.dialed, r)
	return r, nil
}

func (f *fakeRelayDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dialed)
}

func (f *fakeRelayDialer) get(t *testing.T) *fakeRelay {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dialed) != 1 {
		t.Fatalf("expected 1 relay dial, got %d", len(f.dialed))
	}
	return f.dialed[0]
}

type fakeRelayAcceptor struct {
	mu       sync.Mutex
	accepted []*fakeRelay
	remoteDH crypto.DHPublicKey
}

func (f *fakeRelayAcceptor) Accept(opts transport.RelayAcceptOptions, h transport.Handlers) (transport.RelayChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRelay{accept: opts, channel: opts.Channel, remoteDH: f.remoteDH}
	r.h = h
	f.accepted = append(f.accepted, r)
	return r, nil
}

func (f *fakeRelayAcceptor) last(t *testing.T) *fakeRelay {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accepted) == 0 {
		t.Fatal("expected an accepted relay channel")
	}
	return f.accepted[len(f.accepted)-1]
}

type lookup struct {
	service, proto, name string
	done                 func([]transport.SRV, error)
}

type fakeResolver struct {
	mu      sync.Mutex
	lookups []lookup
}

func (f *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string, done func([]transport.SRV, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, lookup{service, proto, name, done})
}

type fakeAccount struct {
	socket *fakeSocket
	files  *identity.PeerFiles
	relay  *candidate.Candidate
}

func (f *fakeAccount) Socket() transport.Socket       { return f.socket }
func (f *fakeAccount) PeerFiles() *identity.PeerFiles { return f.files }

func (f *fakeAccount) RelayCandidate() (candidate.Candidate, bool) {
	if f.relay == nil {
		return candidate.Candidate{}, false
	}
	return *f.relay, true
}

type fakeDelegate struct {
	mu        sync.Mutex
	discovery []*message.Envelope
	states    []State
	messages  []*message.Envelope
	onState   func(s *Session, state State)
}

func (f *fakeDelegate) SendDiscovery(s *Session, env *message.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery = append(f.discovery, env)
}

func (f *fakeDelegate) SessionStateChanged(s *Session, state State) {
	f.mu.Lock()
	f.states = append(f.states, state)
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(s, state)
	}
}

func (f *fakeDelegate) HandleMessage(s *Session, env *message.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, env)
}

func (f *fakeDelegate) stateList() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

// testEnv wires a registry to fake collaborators. local is this
// location, remote the location of the peer on the other side.
type testEnv struct {
	t          *testing.T
	clock      *clock.FakeClock
	reg        *Registry
	socket     *fakeSocket
	account    *fakeAccount
	delegate   *fakeDelegate
	transports *fakeTransportFactory
	secures    *fakeSecureFactory
	dialer     *fakeRelayDialer
	acceptor   *fakeRelayAcceptor
	resolver   *fakeResolver
	nonces     *noncecache.Cache
	local      *identity.PeerFiles
	remote     *identity.PeerFiles
	remoteDH   *crypto.DHKeyPair
	relayToken *candidate.Token

	traceMu sync.Mutex
	steps   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	local, err := identity.NewPeerFiles("peer://example.com/local", "location-local")
	if err != nil {
		t.Fatal(err)
	}
	remote, err := identity.NewPeerFiles("peer://example.com/remote", "location-remote")
	if err != nil {
		t.Fatal(err)
	}
	nonces, err := noncecache.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = nonces.Close() })
	fc := clock.Fake(epoch)
	token, err := candidate.NewToken(crypto.MustGenerateSecret(), candidate.RelayResource, epoch.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	relay := candidate.Candidate{
		Namespace: candidate.NamespaceFinderRelay,
		Transport: candidate.TransportTCP,
		IP:        "192.0.2.10",
		Port:      3479,
		Token:     token,
	}
	e := &testEnv{
		t:          t,
		clock:      fc,
		reg:        NewRegistry(RegistryOptions{Clock: fc, Logger: logging.Discard()}),
		socket:     newFakeSocket(),
		delegate:   &fakeDelegate{},
		transports: &fakeTransportFactory{},
		secures:    &fakeSecureFactory{},
		dialer:     &fakeRelayDialer{},
		acceptor:   &fakeRelayAcceptor{},
		resolver:   &fakeResolver{},
		nonces:     nonces,
		local:      local,
		remote:     remote,
		remoteDH:   crypto.MustGenerateDHKeyPair(),
		relayToken: token,
	}
	e.account = &fakeAccount{socket: e.socket, files: local, relay: &relay}
	return e
}

func (e *testEnv) options() Options {
	return Options{
		Account:  e.account,
		Delegate: e.delegate,
		Factories: Factories{
			Transport:     e.transports,
			Relay:         e.dialer,
			RelayAcceptor: e.acceptor,
			Secure:        e.secures,
			Resolver:      e.resolver,
			Nonces:        e.nonces,
		},
		Peer: e.remote.Public(),
		StepTrace: func(step string) {
			e.traceMu.Lock()
			defer e.traceMu.Unlock()
			e.steps = append(e.steps, step)
		},
	}
}

func (e *testEnv) trace() []string {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]string(nil), e.steps...)
}

func (e *testEnv) resetTrace() {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.steps = nil
}

// remoteRelayCandidate is the relay candidate the remote location
// advertises in its find request.
func (e *testEnv) remoteRelayCandidate() candidate.Candidate {
	token, err := candidate.NewToken(crypto.MustGenerateSecret(), candidate.RelayResource, epoch.Add(time.Hour))
	if err != nil {
		e.t.Fatal(err)
	}
	return candidate.Candidate{
		Namespace: candidate.NamespaceFinderRelay,
		Transport: candidate.TransportTCP,
		IP:        "198.51.100.7",
		Port:      3479,
		Token:     token.Public(),
	}
}

// findRequest builds a find request from the remote location.
func (e *testEnv) findRequest(cands ...candidate.Candidate) *message.Envelope {
	e.t.Helper()
	req := &message.FindRequest{
		PeerURI:     e.remote.URI,
		LocationID:  e.remote.LocationID,
		Context:     "remote-context",
		ICEUsername: "remote-ufrag",
		ICEPassword: "remote-pwd",
		Candidates: append(candidate.List{
			{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost, Foundation: "2", Component: 1, Priority: 90, IP: "10.0.0.2", Port: 6000},
		}, cands...),
		DHPublicKey: e.remoteDH.Public(),
	}
	req.Signature = e.remote.Key.Sign(req.SigningInput())
	env, err := message.NewRequest(message.MethodPeerLocationFind, req)
	if err != nil {
		e.t.Fatal(err)
	}
	return env
}

func (e *testEnv) newIncoming(verified bool, cands ...candidate.Candidate) *Session {
	e.t.Helper()
	s, err := NewIncoming(e.reg, IncomingOptions{
		Options:            e.options(),
		Request:            e.findRequest(cands...),
		DidVerifySignature: verified,
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return s
}

func (e *testEnv) newOutgoing(mods ...func(*OutgoingOptions)) *Session {
	e.t.Helper()
	opts := OutgoingOptions{
		Options:          e.options(),
		LocalContext:     "local-context",
		RemoteLocationID: e.remote.LocationID,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s, err := NewOutgoing(e.reg, opts)
	if err != nil {
		e.t.Fatal(err)
	}
	return s
}

// findResult builds the remote location's answer to an outgoing find.
func (e *testEnv) findResult(s *Session, modify func(*message.FindResult)) *message.Envelope {
	e.t.Helper()
	res := &message.FindResult{
		PeerURI:     e.remote.URI,
		LocationID:  e.remote.LocationID,
		Context:     e.remote.LocationID,
		ICEUsername: "remote-ufrag",
		ICEPassword: "remote-pwd",
		Candidates: candidate.List{
			{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost, Foundation: "2", Component: 1, Priority: 90, IP: "10.0.0.2", Port: 6000},
		},
		Final:       true,
		DHPublicKey: e.remoteDH.Public(),
	}
	if modify != nil {
		modify(res)
	}
	env, err := message.NewResult(s.FindRequest(), res)
	if err != nil {
		e.t.Fatal(err)
	}
	return env
}

// channelMap builds a channel map notification for an outgoing session
// as the relay server would.
func (e *testEnv) channelMap(s *Session, channel uint32) *message.ChannelMapNotify {
	e.t.Helper()
	proof, err := candidate.NewProof(e.relayToken, candidate.RelayResource, epoch.Add(time.Minute))
	if err != nil {
		e.t.Fatal(err)
	}
	return &message.ChannelMapNotify{
		LocalContext:  s.LocalContext(),
		RemoteContext: s.RemoteContext(),
		Channel:       channel,
		Proof:         proof,
	}
}

// identifyRequest builds an identify request from the remote location.
func (e *testEnv) identifyRequest(secret crypto.Secret) *message.Envelope {
	e.t.Helper()
	expires := e.clock.Now().Add(time.Minute)
	proof, err := identity.FindSecretProof(secret, e.remote.LocationID, e.local.URI, expires)
	if err != nil {
		e.t.Fatal(err)
	}
	env, err := message.NewRequest(message.MethodPeerIdentify, &message.IdentifyRequest{
		PeerURI:         e.remote.URI,
		LocationID:      e.remote.LocationID,
		TargetPeerURI:   e.local.URI,
		FindSecretProof: proof,
		Expires:         expires,
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return env
}

func mustState(t *testing.T, s *Session, want State) {
	t.Helper()
	if got := s.State(); got != want {
		code, reason := s.Err()
		t.Fatalf("session state = %s, want %s (error %d %q)", got, want, code, reason)
	}
}

func mustErr(t *testing.T, s *Session, wantCode int) {
	t.Helper()
	mustState(t, s, StateShutdown)
	if code, reason := s.Err(); code != wantCode {
		t.Fatalf("error code = %d (%q), want %d", code, reason, wantCode)
	}
}
