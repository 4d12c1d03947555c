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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/identity"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// readyIncoming returns an identified incoming session that is ready
// over its outgoing relay channel.
func readyIncoming(t *testing.T, e *testEnv) (*Session, *fakeRelay) {
	t.Helper()
	e.socket.setReady()
	s := e.newIncoming(true, e.remoteRelayCandidate())
	relay := e.dialer.get(t)
	relay.set(transport.StateReady)
	mustState(t, s, StateReady)
	return s, relay
}

// connectDirect brings the ICE session, the transport and the security
// channel of s up.
func connectDirect(t *testing.T, e *testEnv) (*fakeICESession, *fakeTransport, *fakeSecure) {
	t.Helper()
	ice := e.socket.session(t)
	ice.set(transport.StateReady, transport.ReasonNone)
	tr := e.transports.get(t)
	tr.set(transport.StateReady)
	sc := e.secures.get(t)
	sc.set(transport.StateReady)
	return ice, tr, sc
}

// outgoingAwaitingIdentify returns an outgoing session that received its
// find result and a mapped relay channel and has sent its identify request.
func outgoingAwaitingIdentify(t *testing.T, e *testEnv, mods ...func(*OutgoingOptions)) (*Session, *fakeRelay, *message.Envelope) {
	t.Helper()
	e.socket.setReady()
	e.acceptor.remoteDH = e.remoteDH.Public()
	s := e.newOutgoing(mods...)
	s.HandleMessage(e.findResult(s, nil))
	if d := e.reg.HandleChannelMap(e.channelMap(s, 7)); d != DecisionAccept {
		t.Fatalf("channel map decision = %s, want accept", d)
	}
	in := e.acceptor.last(t)
	in.set(transport.StateReady)
	msgs := in.messages(t)
	if len(msgs) != 1 || !msgs[0].Is(message.MethodPeerIdentify, message.KindRequest) {
		t.Fatalf("expected an identify request on the relay, got %+v", msgs)
	}
	mustState(t, s, StatePending)
	return s, in, msgs[0]
}

func identifyResult(t *testing.T, e *testEnv, req *message.Envelope) *message.Envelope {
	t.Helper()
	res, err := message.NewResult(req, &message.IdentifyResult{
		PeerURI:    e.remote.URI,
		LocationID: e.remote.LocationID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func appMessage(t *testing.T) *message.Envelope {
	t.Helper()
	env, err := message.NewRequest(message.MethodPeerLocationFind, &message.FindRequest{PeerURI: "peer://example.com/app"})
	if err != nil {
		t.Fatal(err)
	}
	env.AppID = "app-1"
	return env
}

func TestIncomingSessionOverRelay(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(true, e.remoteRelayCandidate())
	mustState(t, s, StatePending)

	relay := e.dialer.get(t)
	if relay.dial.Address != "198.51.100.7:3479" {
		t.Fatalf("relay address = %q", relay.dial.Address)
	}
	if relay.dial.LocalContext != e.local.LocationID || relay.dial.RemoteContext != "remote-context" {
		t.Fatalf("relay contexts = %q/%q", relay.dial.LocalContext, relay.dial.RemoteContext)
	}
	if !relay.dial.RemoteKey.Equal(e.remoteDH.Public()) {
		t.Fatal("relay was dialed without the remote dh key")
	}

	e.delegate.mu.Lock()
	discovery := e.delegate.discovery
	e.delegate.mu.Unlock()
	if len(discovery) != 1 {
		t.Fatalf("expected one find result, got %d", len(discovery))
	}
	if discovery[0].ID != s.FindRequest().ID || discovery[0].Kind != message.KindResult {
		t.Fatalf("unexpected discovery message %+v", discovery[0])
	}
	var res message.FindResult
	if err := discovery[0].Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.PeerURI != e.local.URI {
		t.Fatalf("find result peer = %q", res.PeerURI)
	}
	if res.LocationID != e.local.LocationID || res.Context != e.local.LocationID {
		t.Fatalf("find result location/context = %q/%q", res.LocationID, res.Context)
	}
	if !crypto.DHPublicKey(res.DHPublicKey).Equal(s.LocalDHPublicKey()) {
		t.Fatal("find result does not carry the session dh key")
	}
	if res.Candidates.HasRelay() {
		t.Fatal("incoming sessions must not advertise a relay candidate")
	}

	ice := e.socket.session(t)
	if ice.controlling {
		t.Fatal("incoming sessions must not be controlling")
	}
	if len(ice.remote.Candidates) != 1 || ice.remote.Candidates[0].IsRelay() {
		t.Fatalf("ice session got remote candidates %v", ice.remote.Candidates)
	}

	relay.set(transport.StateReady)
	mustState(t, s, StateReady)
	if diff := cmp.Diff([]State{StateReady}, e.delegate.stateList()); diff != "" {
		t.Fatalf("unexpected delegate states (-want +got):\n%s", diff)
	}

	if err := s.Send(appMessage(t)); err != nil {
		t.Fatal(err)
	}
	msgs := relay.messages(t)
	last := msgs[len(msgs)-1]
	if last.AppID != "" {
		t.Fatalf("application id crossed the transport: %q", last.AppID)
	}
	if got := s.Info().ActivePath; got != "outgoing-relay" {
		t.Fatalf("active path = %q", got)
	}
}

func TestStepOrder(t *testing.T) {
	e := newTestEnv(t)
	s := e.newIncoming(true, e.remoteRelayCandidate())
	for _, step := range e.trace() {
		if step != "socket-subscription" {
			t.Fatalf("ran %q before the socket was ready", step)
		}
	}
	e.socket.mu.Lock()
	wakes := e.socket.wakes
	e.socket.mu.Unlock()
	if wakes == 0 {
		t.Fatal("socket was not woken")
	}

	e.resetTrace()
	e.socket.setReady()
	want := []string{"socket-subscription", "outgoing-relay", "incoming-relay", "ice-session", "connect-find", "connection-ready"}
	if diff := cmp.Diff(want, e.trace()); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}

	e.resetTrace()
	e.dialer.get(t).set(transport.StateReady)
	want = []string{
		"socket-subscription", "outgoing-relay", "incoming-relay", "ice-session", "connect-find",
		"connection-ready", "send-notify", "incoming-identify", "outgoing-identify", "ready",
	}
	if diff := cmp.Diff(want, e.trace()); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}

	e.resetTrace()
	e.socket.session(t).set(transport.StateReady, transport.ReasonNone)
	want = []string{
		"socket-subscription", "outgoing-relay", "incoming-relay", "ice-session", "transport", "connect-find",
		"connection-ready", "send-notify", "incoming-identify", "outgoing-identify", "ready",
	}
	if diff := cmp.Diff(want, e.trace()); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}
	mustState(t, s, StateReady)
}

func TestActiveStreamPriority(t *testing.T) {
	readyRelay := func() *fakeRelay {
		r := &fakeRelay{}
		r.state = transport.StateReady
		return r
	}
	readySecure := func() *fakeSecure {
		sc := &fakeSecure{}
		sc.state = transport.StateReady
		return sc
	}
	tc := []struct {
		name                string
		secure, out, in     bool
		secureDown, outDown bool
		want                string
	}{
		{name: "nothing", want: ""},
		{name: "incoming relay only", in: true, want: "incoming-relay"},
		{name: "outgoing over incoming relay", out: true, in: true, want: "outgoing-relay"},
		{name: "secure over relays", secure: true, out: true, in: true, want: "secure"},
		{name: "secure only", secure: true, want: "secure"},
		{name: "skips failed secure", secure: true, secureDown: true, in: true, want: "incoming-relay"},
		{name: "skips failed outgoing relay", out: true, outDown: true, in: true, want: "incoming-relay"},
	}
	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{}
			if tt.secure {
				sc := readySecure()
				if tt.secureDown {
					sc.state = transport.StateShutdown
				}
				s.secure = sc
			}
			if tt.out {
				r := readyRelay()
				if tt.outDown {
					r.state = transport.StateShuttingDown
				}
				s.outRelay = r
			}
			if tt.in {
				s.inRelay = readyRelay()
			}
			got, stream := s.activeStream()
			if got != tt.want {
				t.Fatalf("active path = %q, want %q", got, tt.want)
			}
			if (stream == nil) != (tt.want == "") {
				t.Fatalf("stream = %v for path %q", stream, got)
			}
		})
	}
}

func TestDirectPathKeying(t *testing.T) {
	e := newTestEnv(t)
	s, _ := readyIncoming(t, e)
	ice := e.socket.session(t)
	ice.set(transport.StateReady, transport.ReasonNone)
	tr := e.transports.get(t)
	if tr.initiator {
		t.Fatal("incoming sessions must accept the transport stream")
	}
	tr.set(transport.StateReady)
	sc := e.secures.get(t)
	if sc.opts.Initiator || sc.opts.LocalContext != s.LocalContext() || sc.opts.RemoteContext != s.RemoteContext() {
		t.Fatalf("unexpected security channel options %+v", sc.opts)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.localKey == nil || !sc.localKey.Public().Equal(s.LocalDHPublicKey()) {
		t.Fatal("security channel did not get the session dh key")
	}
	if err := e.local.Key.Public().Verify(sc.PendingSignature(), sc.signature); err != nil {
		t.Fatalf("security channel signature: %v", err)
	}
	if sc.remoteKeys != 1 {
		t.Fatalf("remote key provided %d times", sc.remoteKeys)
	}
	if !sc.remoteDH.Equal(e.remoteDH.Public()) {
		t.Fatal("security channel got the wrong remote dh key")
	}
	if string(sc.remoteID) != string(e.remote.Key.Public()) {
		t.Fatal("security channel got the wrong remote identity")
	}
}

func TestDirectPathPreferredAndNotDemoted(t *testing.T) {
	e := newTestEnv(t)
	s, relay := readyIncoming(t, e)
	_, tr, sc := connectDirect(t, e)
	mustState(t, s, StateReady)
	if !s.Info().HadPeerConnection {
		t.Fatal("session did not record the peer connection")
	}

	before := len(relay.messages(t))
	if err := s.Send(appMessage(t)); err != nil {
		t.Fatal(err)
	}
	if got := len(sc.messages(t)); got != 1 {
		t.Fatalf("security channel carried %d messages, want 1", got)
	}
	if got := len(relay.messages(t)); got != before {
		t.Fatal("message was sent over the relay while the direct path was ready")
	}

	// Losing the direct path must not fall back to the relay.
	tr.set(transport.StateShutdown)
	mustErr(t, s, CodeInternal)
	if got := len(relay.messages(t)); got != before {
		t.Fatal("session fell back to the relay")
	}
}

func TestPeerConnectionLost(t *testing.T) {
	tc := []struct {
		reason transport.Reason
		want   int
	}{
		{reason: transport.ReasonBackgroundingTimeout, want: CodeTimeout},
		{reason: transport.ReasonFailed, want: CodeInternal},
	}
	for _, tt := range tc {
		t.Run(string(tt.reason), func(t *testing.T) {
			e := newTestEnv(t)
			s, _ := readyIncoming(t, e)
			ice, _, _ := connectDirect(t, e)
			ice.set(transport.StateShutdown, tt.reason)
			mustErr(t, s, tt.want)
		})
	}
}

func TestSecureChannelFailure(t *testing.T) {
	e := newTestEnv(t)
	s, _ := readyIncoming(t, e)
	ice := e.socket.session(t)
	ice.set(transport.StateReady, transport.ReasonNone)
	e.transports.get(t).set(transport.StateReady)
	e.secures.get(t).set(transport.StateShutdown)
	mustErr(t, s, CodeConflict)
}

func TestBackgroundingTimeoutRequestsRefind(t *testing.T) {
	e := newTestEnv(t)
	s, _ := readyIncoming(t, e)
	if s.ShouldRefindNow() {
		t.Fatal("fresh session should not refind")
	}
	e.socket.session(t).set(transport.StateShutdown, transport.ReasonBackgroundingTimeout)
	mustState(t, s, StateReady)
	if !s.Info().ShouldRefind || !s.ShouldRefindNow() {
		t.Fatal("backgrounding timeout did not request a refind")
	}
	s.SetShouldRefind(false)
	if s.ShouldRefindNow() {
		t.Fatal("refind flag was not cleared")
	}
}

func TestShouldRefindAfterMinConnected(t *testing.T) {
	e := newTestEnv(t)
	s, _ := readyIncoming(t, e)
	e.clock.Advance(DefaultTiming().MinConnectedBeforeRefind)
	if s.ShouldRefindNow() {
		t.Fatal("refind requested at exactly the minimum connected time")
	}
	e.clock.Advance(time.Second)
	if !s.ShouldRefindNow() {
		t.Fatal("refind not requested after the minimum connected time")
	}
}

func TestAllPathsFailed(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(true, e.remoteRelayCandidate())
	e.dialer.get(t).set(transport.StateShutdown)
	mustState(t, s, StatePending)
	e.socket.session(t).set(transport.StateShutdown, transport.ReasonFailed)
	mustErr(t, s, CodeNotFound)
}

func TestNoRelayCandidate(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(true)
	mustErr(t, s, CodeNotFound)
	if e.reg.Len() != 0 {
		t.Fatal("failed session was not removed from the registry")
	}
}

func TestRelayLookup(t *testing.T) {
	tc := []struct {
		name    string
		records []transport.SRV
		err     error
		want    string
	}{
		{name: "first record", records: []transport.SRV{{Target: "relay1.example.com", Port: 3479}, {Target: "relay2.example.com", Port: 3479, Priority: 10}}, want: "relay1.example.com:3479"},
		{name: "no records"},
		{name: "lookup error", err: errors.New("no such host")},
	}
	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.socket.setReady()
			c := e.remoteRelayCandidate()
			c.IP, c.Port, c.Host = "", 0, "example.com"
			s := e.newIncoming(true, c)

			e.resolver.mu.Lock()
			lookups := e.resolver.lookups
			e.resolver.mu.Unlock()
			if len(lookups) != 1 {
				t.Fatalf("expected one lookup, got %d", len(lookups))
			}
			l := lookups[0]
			if l.service != "finder-relay" || l.proto != "tcp" || l.name != "example.com" {
				t.Fatalf("unexpected lookup %+v", l)
			}
			if e.dialer.count() != 0 {
				t.Fatal("relay dialed before the lookup finished")
			}
			l.done(tt.records, tt.err)
			if tt.want == "" {
				mustErr(t, s, CodeNotFound)
				return
			}
			if got := e.dialer.get(t).dial.Address; got != tt.want {
				t.Fatalf("relay address = %q, want %q", got, tt.want)
			}
			mustState(t, s, StatePending)
		})
	}
}

func TestOutgoingSession(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	e.acceptor.remoteDH = e.remoteDH.Public()
	s := e.newOutgoing()

	var req message.FindRequest
	if err := s.FindRequest().Decode(&req); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFindRequest(&req, e.local.Public()); err != nil {
		t.Fatalf("find request signature: %v", err)
	}
	if req.Context != "local-context" || req.LocationID != e.local.LocationID {
		t.Fatalf("find request context/location = %q/%q", req.Context, req.LocationID)
	}
	relay, ok := req.Candidates.Relay()
	if !ok {
		t.Fatal("outgoing find request has no relay candidate")
	}
	if relay.Token == nil || relay.Token.ID != e.relayToken.ID || relay.Token.Secret != nil {
		t.Fatalf("relay candidate token = %+v", relay.Token)
	}
	e.socket.mu.Lock()
	sessions := len(e.socket.sessions)
	e.socket.mu.Unlock()
	if sessions != 0 {
		t.Fatal("ice session created before the find result")
	}

	s.HandleMessage(e.findResult(s, nil))
	ice := e.socket.session(t)
	if !ice.controlling || ice.remote.Username != "remote-ufrag" {
		t.Fatalf("unexpected ice session %+v", ice)
	}

	if d := e.reg.HandleChannelMap(e.channelMap(s, 7)); d != DecisionAccept {
		t.Fatalf("channel map decision = %s", d)
	}
	in := e.acceptor.last(t)
	if in.accept.Channel != 7 || in.accept.LocalContext != "local-context" || in.accept.RemoteContext != e.remote.LocationID {
		t.Fatalf("unexpected accept options %+v", in.accept)
	}
	in.set(transport.StateReady)
	msgs := in.messages(t)
	if len(msgs) != 1 || !msgs[0].Is(message.MethodPeerIdentify, message.KindRequest) {
		t.Fatalf("expected an identify request, got %+v", msgs)
	}
	var ir message.IdentifyRequest
	if err := msgs[0].Decode(&ir); err != nil {
		t.Fatal(err)
	}
	if err := identity.VerifyFindSecretProof(e.remote.FindSecret, e.local.LocationID, e.remote.URI, ir.Expires, ir.FindSecretProof); err != nil {
		t.Fatalf("identify proof: %v", err)
	}
	mustState(t, s, StatePending)
	if s.IsIdentified() {
		t.Fatal("identified before the identify result")
	}

	in.deliver(t, identifyResult(t, e, msgs[0]))
	mustState(t, s, StateReady)
	if !s.IsIdentified() {
		t.Fatal("not identified after the identify result")
	}
	if got := s.Info().ActivePath; got != "incoming-relay" {
		t.Fatalf("active path = %q", got)
	}
}

func TestOutgoingFindResultRejected(t *testing.T) {
	other := crypto.MustGenerateDHKeyPair().Public()
	tc := []struct {
		name   string
		mods   []func(*OutgoingOptions)
		result func(e *testEnv, s *Session) *message.Envelope
		want   int
	}{
		{
			name: "location mismatch",
			result: func(e *testEnv, s *Session) *message.Envelope {
				return e.findResult(s, func(r *message.FindResult) { r.LocationID = "location-other" })
			},
			want: CodeConflict,
		},
		{
			name: "peer mismatch",
			result: func(e *testEnv, s *Session) *message.Envelope {
				return e.findResult(s, func(r *message.FindResult) { r.PeerURI = "peer://example.com/impostor" })
			},
			want: CodeConflict,
		},
		{
			name: "pinned dh key mismatch",
			mods: []func(*OutgoingOptions){func(o *OutgoingOptions) { o.RemoteDHPublicKey = other }},
			result: func(e *testEnv, s *Session) *message.Envelope {
				return e.findResult(s, nil)
			},
			want: CodeConflict,
		},
		{
			name: "error result",
			result: func(e *testEnv, s *Session) *message.Envelope {
				return message.NewErrorResult(s.FindRequest(), CodeNotFound, "no such location")
			},
			want: CodeNotFound,
		},
	}
	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.socket.setReady()
			s := e.newOutgoing(tt.mods...)
			s.HandleMessage(tt.result(e, s))
			mustErr(t, s, tt.want)
		})
	}
}

func TestChannelMapDecisions(t *testing.T) {
	tc := []struct {
		name   string
		modify func(e *testEnv, n *message.ChannelMapNotify)
		replay bool
		want   Decision
	}{
		{name: "valid", want: DecisionAccept},
		{
			name:   "context mismatch",
			modify: func(e *testEnv, n *message.ChannelMapNotify) { n.LocalContext = "other-context" },
			want:   DecisionIgnore,
		},
		{
			name:   "missing proof",
			modify: func(e *testEnv, n *message.ChannelMapNotify) { n.Proof = nil },
			want:   DecisionIgnore,
		},
		{name: "replayed proof", replay: true, want: DecisionIgnore},
		{
			name: "foreign token",
			modify: func(e *testEnv, n *message.ChannelMapNotify) {
				tok, err := candidate.NewToken(crypto.MustGenerateSecret(), candidate.RelayResource, epoch.Add(time.Hour))
				if err != nil {
					e.t.Fatal(err)
				}
				n.Proof, err = candidate.NewProof(tok, candidate.RelayResource, epoch.Add(time.Minute))
				if err != nil {
					e.t.Fatal(err)
				}
			},
			want: DecisionIgnore,
		},
		{
			name:   "tampered proof",
			modify: func(e *testEnv, n *message.ChannelMapNotify) { n.Proof.Expires = n.Proof.Expires.Add(time.Hour) },
			want:   DecisionIgnore,
		},
		{
			name: "expired proof",
			modify: func(e *testEnv, n *message.ChannelMapNotify) {
				var err error
				n.Proof, err = candidate.NewProof(e.relayToken, candidate.RelayResource, epoch.Add(-time.Minute))
				if err != nil {
					e.t.Fatal(err)
				}
			},
			want: DecisionIgnore,
		},
		{
			name: "wrong resource",
			modify: func(e *testEnv, n *message.ChannelMapNotify) {
				var err error
				n.Proof, err = candidate.NewProof(e.relayToken, "other-resource", epoch.Add(time.Minute))
				if err != nil {
					e.t.Fatal(err)
				}
			},
			want: DecisionIgnore,
		},
	}
	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.socket.setReady()
			s := e.newOutgoing()
			n := e.channelMap(s, 3)
			if tt.modify != nil {
				tt.modify(e, n)
			}
			if tt.replay {
				if d := s.HandleIncomingChannelMapNotify(n); d != DecisionAccept {
					t.Fatalf("first channel map decision = %s", d)
				}
			}
			if d := s.HandleIncomingChannelMapNotify(n); d != tt.want {
				t.Fatalf("decision = %s, want %s", d, tt.want)
			}
			e.acceptor.mu.Lock()
			accepted := len(e.acceptor.accepted)
			e.acceptor.mu.Unlock()
			wantAccepted := 0
			if tt.want == DecisionAccept || tt.replay {
				wantAccepted = 1
			}
			if accepted != wantAccepted {
				t.Fatalf("accepted %d relay channels, want %d", accepted, wantAccepted)
			}
		})
	}
}

func TestChannelMapReplayOnOtherChannel(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newOutgoing()
	n := e.channelMap(s, 3)
	if d := s.HandleIncomingChannelMapNotify(n); d != DecisionAccept {
		t.Fatalf("first channel map decision = %s", d)
	}
	replay := *n
	replay.Channel = 7
	if d := s.HandleIncomingChannelMapNotify(&replay); d != DecisionIgnore {
		t.Fatalf("replayed proof on channel 7: decision = %s, want %s", d, DecisionIgnore)
	}
	s.mu.Lock()
	inChannel, mapped := s.inChannel, s.inChannelMapped
	s.mu.Unlock()
	if !mapped || inChannel != 3 {
		t.Fatalf("incoming channel = %d (mapped %v), want 3", inChannel, mapped)
	}
	e.acceptor.mu.Lock()
	defer e.acceptor.mu.Unlock()
	if len(e.acceptor.accepted) != 1 || e.acceptor.accepted[0].channel != 3 {
		t.Fatalf("replay attached a relay channel: %d accepted", len(e.acceptor.accepted))
	}
}

func TestChannelMapIgnoredByIncoming(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(true, e.remoteRelayCandidate())
	proof, err := candidate.NewProof(e.relayToken, candidate.RelayResource, epoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	d := s.HandleIncomingChannelMapNotify(&message.ChannelMapNotify{
		LocalContext:  s.LocalContext(),
		RemoteContext: s.RemoteContext(),
		Channel:       1,
		Proof:         proof,
	})
	if d != DecisionIgnore {
		t.Fatalf("decision = %s", d)
	}
	if err := s.AttachIncomingRelayChannel(&fakeRelay{}); !errors.Is(err, ErrNotOutgoing) {
		t.Fatalf("attach error = %v", err)
	}
}

func TestChannelMapReplacesIncomingRelay(t *testing.T) {
	e := newTestEnv(t)
	s, first, req := outgoingAwaitingIdentify(t, e)
	if d := s.HandleIncomingChannelMapNotify(e.channelMap(s, 8)); d != DecisionAccept {
		t.Fatalf("decision = %s", d)
	}
	if first.cancelCount() != 1 {
		t.Fatal("replaced relay channel was not cancelled")
	}
	second := e.acceptor.last(t)
	// Late results on the replaced channel are ignored.
	first.mu.Lock()
	first.state = transport.StateReady
	first.mu.Unlock()
	first.deliver(t, identifyResult(t, e, req))
	mustState(t, s, StatePending)
	second.set(transport.StateReady)
	second.deliver(t, identifyResult(t, e, req))
	mustState(t, s, StateReady)
}

func TestIncomingIdentify(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(false, e.remoteRelayCandidate())
	relay := e.dialer.get(t)
	relay.set(transport.StateReady)
	mustState(t, s, StatePending)

	if err := s.Send(appMessage(t)); !errors.Is(err, ErrIllegalBeforeIdentify) {
		t.Fatalf("send error = %v", err)
	}
	relay.deliver(t, appMessage(t))
	e.delegate.mu.Lock()
	delivered := len(e.delegate.messages)
	e.delegate.mu.Unlock()
	if delivered != 0 {
		t.Fatal("message from an unidentified location reached the delegate")
	}

	relay.deliver(t, e.identifyRequest(e.local.FindSecret))
	mustState(t, s, StateReady)
	msgs := relay.messages(t)
	last := msgs[len(msgs)-1]
	if !last.Is(message.MethodPeerIdentify, message.KindResult) || last.IsError() {
		t.Fatalf("unexpected identify reply %+v", last)
	}
	var res message.IdentifyResult
	if err := last.Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.PeerURI != e.local.URI || res.LocationID != e.local.LocationID {
		t.Fatalf("identify result = %+v", res)
	}

	relay.deliver(t, appMessage(t))
	e.delegate.mu.Lock()
	delivered = len(e.delegate.messages)
	e.delegate.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delegate received %d messages, want 1", delivered)
	}
}

func TestIncomingIdentifyRejected(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(false, e.remoteRelayCandidate())
	relay := e.dialer.get(t)
	relay.set(transport.StateReady)
	relay.deliver(t, e.identifyRequest(crypto.MustGenerateSecret()))
	mustErr(t, s, CodeConflict)
	msgs := relay.messages(t)
	last := msgs[len(msgs)-1]
	if !last.IsError() || last.Error.Code != CodeConflict {
		t.Fatalf("expected a 409 identify reply, got %+v", last)
	}
}

func TestOutgoingIdentifyResultMismatch(t *testing.T) {
	e := newTestEnv(t)
	s, in, req := outgoingAwaitingIdentify(t, e)
	res, err := message.NewResult(req, &message.IdentifyResult{PeerURI: "peer://example.com/other", LocationID: e.remote.LocationID})
	if err != nil {
		t.Fatal(err)
	}
	in.deliver(t, res)
	mustErr(t, s, CodeConflict)
}

func TestIdentifyTimeout(t *testing.T) {
	e := newTestEnv(t)
	s, _, _ := outgoingAwaitingIdentify(t, e, func(o *OutgoingOptions) {
		o.Timing.IdentifyTimeout = 5 * time.Second
	})
	e.clock.Advance(4 * time.Second)
	mustState(t, s, StatePending)
	e.clock.Advance(time.Second)
	mustErr(t, s, CodeTimeout)
}

func TestFindTimeout(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		e := newTestEnv(t)
		e.socket.setReady()
		s := e.newIncoming(true, e.remoteRelayCandidate())
		e.clock.Advance(DefaultTiming().FindTimeout - time.Second)
		mustState(t, s, StatePending)
		e.clock.Advance(time.Second)
		mustErr(t, s, CodeTimeout)
	})
	t.Run("connected", func(t *testing.T) {
		e := newTestEnv(t)
		s, _ := readyIncoming(t, e)
		ice := e.socket.session(t)
		e.clock.Advance(DefaultTiming().FindTimeout)
		mustState(t, s, StateReady)
		ice.mu.Lock()
		defer ice.mu.Unlock()
		if ice.updates != 1 || !ice.remote.Final {
			t.Fatalf("remote candidates not finalized: updates=%d final=%v", ice.updates, ice.remote.Final)
		}
	})
	t.Run("outgoing without result", func(t *testing.T) {
		e := newTestEnv(t)
		e.socket.setReady()
		s := e.newOutgoing()
		e.clock.Advance(DefaultTiming().FindTimeout)
		mustErr(t, s, CodeTimeout)
	})
}

func TestKeepAlive(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	if err := e.newOutgoing(func(o *OutgoingOptions) { o.LocalContext = "early" }).SendKeepAlive(); !errors.Is(err, ErrIdentifyNotSent) {
		t.Fatalf("keep alive before identify = %v", err)
	}

	s, in, req := outgoingAwaitingIdentify(t, e, func(o *OutgoingOptions) {
		o.Timing.KeepAliveTimeout = 10 * time.Second
	})
	in.deliver(t, identifyResult(t, e, req))
	mustState(t, s, StateReady)

	e.clock.Advance(time.Second)
	if err := s.SendKeepAlive(); err != nil {
		t.Fatal(err)
	}
	if !s.LastActivity().Equal(e.clock.Now()) {
		t.Fatal("keep alive did not update the last activity")
	}
	if err := s.SendKeepAlive(); !errors.Is(err, ErrKeepAliveOutstanding) {
		t.Fatalf("second keep alive = %v", err)
	}
	msgs := in.messages(t)
	ka := msgs[len(msgs)-1]
	if !ka.Is(message.MethodPeerKeepAlive, message.KindRequest) {
		t.Fatalf("expected a keep alive request, got %+v", ka)
	}
	res, err := message.NewResult(ka, &message.KeepAliveResult{})
	if err != nil {
		t.Fatal(err)
	}
	in.deliver(t, res)
	if err := s.SendKeepAlive(); err != nil {
		t.Fatalf("keep alive after result = %v", err)
	}
	e.clock.Advance(10 * time.Second)
	mustErr(t, s, CodeTimeout)
	if err := s.SendKeepAlive(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("keep alive after shutdown = %v", err)
	}
}

func TestKeepAliveWithoutTransport(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	s := e.newIncoming(true, e.remoteRelayCandidate())
	for i := 0; i < 2; i++ {
		if err := s.SendKeepAlive(); !errors.Is(err, ErrNoTransport) {
			t.Fatalf("keep alive %d = %v", i, err)
		}
	}
}

func TestKeepAliveAnswered(t *testing.T) {
	e := newTestEnv(t)
	_, relay := readyIncoming(t, e)
	req, err := message.NewRequest(message.MethodPeerKeepAlive, &message.KeepAliveRequest{Expires: epoch.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	relay.deliver(t, req)
	msgs := relay.messages(t)
	last := msgs[len(msgs)-1]
	if last.ID != req.ID || !last.Is(message.MethodPeerKeepAlive, message.KindResult) {
		t.Fatalf("unexpected keep alive reply %+v", last)
	}
}

func TestCorrectiveKeepAlive(t *testing.T) {
	e := newTestEnv(t)
	s, relay := readyIncoming(t, e)
	e.socket.session(t).set(transport.StateReady, transport.ReasonNone)
	tr := e.transports.get(t)
	activity := s.LastActivity()

	countKeepAlives := func() int {
		var n int
		for _, m := range relay.messages(t) {
			if m.Is(message.MethodPeerKeepAlive, message.KindRequest) {
				n++
			}
		}
		return n
	}
	tr.set(transport.StateShutdown)
	mustState(t, s, StateReady)
	if n := countKeepAlives(); n != 1 {
		t.Fatalf("sent %d corrective keep alives, want 1", n)
	}
	tr.set(transport.StateShutdown)
	if n := countKeepAlives(); n != 1 {
		t.Fatalf("sent %d corrective keep alives, want 1", n)
	}
	if !s.LastActivity().Equal(activity) {
		t.Fatal("corrective keep alive updated the last activity")
	}
}

func TestFindNotify(t *testing.T) {
	notify := func(t *testing.T, e *testEnv, modify func(*message.FindNotify)) *message.Envelope {
		n := &message.FindNotify{
			LocationID:  e.remote.LocationID,
			Context:     "remote-context",
			ICEUsername: "remote-ufrag",
			ICEPassword: "remote-pwd",
			Candidates: candidate.List{
				{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost, Foundation: "2", Component: 1, Priority: 90, IP: "10.0.0.2", Port: 6000},
				{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeSrflx, Foundation: "3", Component: 1, Priority: 80, IP: "203.0.113.2", Port: 6001},
			},
			Final:       true,
			DHPublicKey: e.remoteDH.Public(),
		}
		if modify != nil {
			modify(n)
		}
		env, err := message.NewNotify(message.MethodPeerLocationFind, n)
		if err != nil {
			t.Fatal(err)
		}
		return env
	}
	t.Run("updates the ice session", func(t *testing.T) {
		e := newTestEnv(t)
		s, relay := readyIncoming(t, e)
		relay.deliver(t, notify(t, e, nil))
		ice := e.socket.session(t)
		ice.mu.Lock()
		defer ice.mu.Unlock()
		if ice.updates != 1 || len(ice.remote.Candidates) != 2 {
			t.Fatalf("ice session updates=%d candidates=%d", ice.updates, len(ice.remote.Candidates))
		}
		mustState(t, s, StateReady)
	})
	t.Run("ignores other contexts", func(t *testing.T) {
		e := newTestEnv(t)
		_, relay := readyIncoming(t, e)
		relay.deliver(t, notify(t, e, func(n *message.FindNotify) { n.Context = "other" }))
		ice := e.socket.session(t)
		ice.mu.Lock()
		defer ice.mu.Unlock()
		if ice.updates != 0 {
			t.Fatal("notify for another context updated the ice session")
		}
	})
	t.Run("rejects a new dh key", func(t *testing.T) {
		e := newTestEnv(t)
		s, relay := readyIncoming(t, e)
		relay.deliver(t, notify(t, e, func(n *message.FindNotify) {
			n.DHPublicKey = crypto.MustGenerateDHKeyPair().Public()
		}))
		mustErr(t, s, CodeConflict)
	})
}

func TestSendNotifyOnNewCandidates(t *testing.T) {
	e := newTestEnv(t)
	_, relay := readyIncoming(t, e)
	e.socket.addCandidate(candidate.Candidate{
		Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeSrflx,
		Foundation: "9", Component: 1, Priority: 50, IP: "203.0.113.1", Port: 5001,
	})
	var notifies []*message.Envelope
	for _, m := range relay.messages(t) {
		if m.Is(message.MethodPeerLocationFind, message.KindNotify) {
			notifies = append(notifies, m)
		}
	}
	if len(notifies) != 1 {
		t.Fatalf("sent %d find notifies, want 1", len(notifies))
	}
	var n message.FindNotify
	if err := notifies[0].Decode(&n); err != nil {
		t.Fatal(err)
	}
	if len(n.Candidates) != 2 || n.Context != e.local.LocationID {
		t.Fatalf("unexpected find notify %+v", n)
	}
}

func TestStaleEventsIgnored(t *testing.T) {
	e := newTestEnv(t)
	s, _ := readyIncoming(t, e)
	e.resetTrace()
	e.reg.Post(s.ID(), Event{Kind: EventICEStateChanged, Source: &fakeICESession{}})
	e.reg.Post(s.ID(), Event{Kind: EventTransportStateChanged, Source: &fakeTransport{}})
	e.reg.Post(s.ID(), Event{Kind: EventRelayStateChanged, Source: &fakeRelay{}})
	e.reg.Post(s.ID(), Event{Kind: EventDNSDone, Source: &lookupToken{host: "example.com"}})
	data, err := message.Encode(e.identifyRequest(e.local.FindSecret))
	if err != nil {
		t.Fatal(err)
	}
	e.reg.Post(s.ID(), Event{Kind: EventMessage, Source: &fakeRelay{}, Data: data})
	if got := e.trace(); len(got) != 0 {
		t.Fatalf("stale events ran the state machine: %v", got)
	}

	// A timer that is not the current find timer does not time the find out.
	e.reg.Post(s.ID(), Event{Kind: EventTimer, Source: &timerToken{kind: timerFind}})
	mustState(t, s, StateReady)

	// Events for unknown sessions are dropped.
	e.reg.Post(s.ID()+100, Event{Kind: EventWake})
}

func TestVerifyFindRequest(t *testing.T) {
	e := newTestEnv(t)
	var req message.FindRequest
	if err := e.findRequest().Decode(&req); err != nil {
		t.Fatal(err)
	}
	if err := VerifyFindRequest(&req, e.remote.Public()); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	if err := VerifyFindRequest(&req, e.local.Public()); !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("wrong peer: %v", err)
	}
	req.Context = "tampered"
	if err := VerifyFindRequest(&req, e.remote.Public()); err == nil {
		t.Fatal("tampered request verified")
	}
}

func TestIncomingPeerMismatch(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	var req message.FindRequest
	if err := e.findRequest().Decode(&req); err != nil {
		t.Fatal(err)
	}
	req.PeerURI = "peer://example.com/impostor"
	req.Signature = e.remote.Key.Sign(req.SigningInput())
	env, err := message.NewRequest(message.MethodPeerLocationFind, &req)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewIncoming(e.reg, IncomingOptions{
		Options:            e.options(),
		Request:            env,
		DidVerifySignature: true,
	})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("expected a peer mismatch, got %v", err)
	}
	if s != nil {
		t.Fatal("expected no session")
	}
	if e.reg.Len() != 0 {
		t.Fatalf("registry holds %d sessions", e.reg.Len())
	}
}

func TestNilPeerPanics(t *testing.T) {
	e := newTestEnv(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	opts := e.options()
	opts.Peer = nil
	_, _ = NewOutgoing(e.reg, OutgoingOptions{Options: opts, RemoteLocationID: "x"})
}

func TestDefaultTiming(t *testing.T) {
	d := DefaultTiming()
	if got := (Timing{}).withDefaults(); got != d {
		t.Fatalf("zero timing = %+v, want %+v", got, d)
	}
	got := Timing{FindTimeout: time.Second}.withDefaults()
	want := d
	want.FindTimeout = time.Second
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected timing (-want +got):\n%s", diff)
	}
}
