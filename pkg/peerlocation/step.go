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

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// handleEvent applies one event and runs the state machine.
func (s *Session) handleEvent(ev Event) {
	if s.state == StateShutdown {
		return
	}
	if s.state == StateShuttingDown {
		if ev.Kind == EventTimer && owns(ev.Source, s.shutdownTimerToken) {
			s.log.Debug("Graceful shutdown timed out")
			s.forceHard = true
		}
		s.step()
		return
	}
	switch ev.Kind {
	case EventWake, EventSocketStateChanged:
	case EventICEStateChanged:
		if !owns(ev.Source, s.iceSession) {
			return
		}
	case EventTransportStateChanged:
		if !owns(ev.Source, s.transport) {
			return
		}
		s.checkCorrectiveKeepAlive()
	case EventSecureStateChanged:
		if !owns(ev.Source, s.secure) {
			return
		}
	case EventRelayStateChanged:
		switch {
		case owns(ev.Source, s.outRelay):
		case owns(ev.Source, s.inRelay):
			if !s.learnRelayKey(s.inRelay) {
				return
			}
		default:
			return
		}
	case EventMonitorResult:
		s.handleMonitorResult(ev)
	case EventTimer:
		s.handleTimer(ev)
	case EventDNSDone:
		if !owns(ev.Source, s.relayLookup) {
			return
		}
		s.handleRelayLookup(ev)
	case EventMessage:
		if ev.Source != nil && !s.ownsStream(ev.Source) {
			return
		}
		s.handleInbound(ev)
	}
	s.step()
}

func (s *Session) ownsStream(src any) bool {
	return owns(src, s.secure) || owns(src, s.outRelay) || owns(src, s.inRelay)
}

func (s *Session) traceStep(name string) {
	if s.trace != nil {
		s.trace(name)
	}
}

// step advances the session as far as it can. Every sub-step returns
// false when the session has to wait or was shut down.
func (s *Session) step() {
	switch s.state {
	case StateShutdown:
		return
	case StateShuttingDown:
		s.cancel()
		return
	}
	if !s.stepSocketSubscription() {
		return
	}
	if !s.stepOutgoingRelayChannel() {
		return
	}
	if !s.stepIncomingRelayChannel() {
		return
	}
	if !s.stepICESession() {
		return
	}
	if !s.stepConnectFind() {
		return
	}
	if !s.stepConnectionReady() {
		return
	}
	if !s.stepSendNotify() {
		return
	}
	if !s.stepIncomingIdentify() {
		return
	}
	if !s.stepOutgoingIdentify() {
		return
	}
	s.traceStep("ready")
	s.setState(StateReady)
}

// fail records why the session ends and shuts it down.
func (s *Session) fail(code int, reason string) {
	if s.errCode == 0 {
		s.errCode, s.errReason = code, reason
		s.log.Warn("Peer location session failed",
			slog.Int("code", code),
			slog.String("error", reason))
	}
	s.cancel()
}

func (s *Session) stepSocketSubscription() bool {
	s.traceStep("socket-subscription")
	socket := s.account.Socket()
	if s.subscription == nil {
		s.subscription = socket.Subscribe(s.notifier(EventSocketStateChanged))
	}
	if !socket.IsReady() {
		socket.Wake()
		return false
	}
	return true
}

func (s *Session) stepOutgoingRelayChannel() bool {
	s.traceStep("outgoing-relay")
	if s.reason != ReasonIncomingFind || s.outRelay != nil {
		return true
	}
	if !s.hasRemoteRelay {
		s.fail(CodeNotFound, "find request has no relay candidate")
		return false
	}
	addr := s.relayAddress
	if addr == "" {
		if s.remoteRelay.NeedsLookup() {
			if s.relayLookup != nil {
				return true
			}
			if s.factories.Resolver == nil {
				s.fail(CodeInternal, "no resolver for relay lookup")
				return false
			}
			tok := &lookupToken{host: s.remoteRelay.Host}
			s.relayLookup = tok
			reg, id := s.reg, s.id
			s.log.Debug("Resolving relay", slog.String("host", s.remoteRelay.Host))
			s.factories.Resolver.LookupSRV(s.ctx, string(candidate.NamespaceFinderRelay), string(candidate.TransportTCP), s.remoteRelay.Host,
				func(records []transport.SRV, err error) {
					reg.Post(id, Event{Kind: EventDNSDone, Source: tok, Records: records, Err: err})
				})
			return true
		}
		addr = s.remoteRelay.Address()
	}
	if s.factories.Relay == nil {
		s.fail(CodeInternal, "no relay dialer")
		return false
	}
	ch, err := s.factories.Relay.Dial(transport.RelayDialOptions{
		Address:       addr,
		Token:         s.remoteRelay.Token,
		LocalContext:  s.localContext,
		RemoteContext: s.remoteContext,
		LocalKey:      s.localKey,
		RemoteKey:     s.remoteKey,
	}, s.handlers(EventRelayStateChanged))
	if err != nil {
		s.fail(CodeInternal, fmt.Sprintf("create relay channel: %v", err))
		return false
	}
	s.log.Debug("Dialing relay", slog.String("address", addr))
	s.outRelay = ch
	return true
}

func (s *Session) handleRelayLookup(ev Event) {
	if ev.Err != nil {
		s.fail(CodeNotFound, fmt.Sprintf("relay lookup: %v", ev.Err))
		return
	}
	if len(ev.Records) == 0 {
		s.fail(CodeNotFound, "relay lookup returned no records")
		return
	}
	s.relayAddress = ev.Records[0].Address()
}

// stepIncomingRelayChannel only observes the relay channel the remote
// location mapped to us; it is attached by channel map handling.
func (s *Session) stepIncomingRelayChannel() bool {
	s.traceStep("incoming-relay")
	return true
}

// learnRelayKey pins the DH key learned from an incoming relay channel.
func (s *Session) learnRelayKey(ch transport.RelayChannel) bool {
	if ch.State() != transport.StateReady {
		return true
	}
	dh := ch.RemoteDHPublicKey()
	if len(dh) == 0 {
		return true
	}
	return s.pinRemoteKey(dh)
}

// pinRemoteKey records the remote DH key, failing the session when it
// differs from the key already known.
func (s *Session) pinRemoteKey(dh []byte) bool {
	if len(dh) == 0 {
		return true
	}
	if len(s.remoteKey) == 0 {
		if err := validateDH(dh); err != nil {
			s.fail(CodeConflict, err.Error())
			return false
		}
		s.remoteKey = dh
		return true
	}
	if !s.remoteKey.Equal(dh) {
		s.fail(CodeConflict, "remote dh key mismatch")
		return false
	}
	return true
}

// stepICESession layers the reliable transport and the security channel
// on a connected ICE session.
func (s *Session) stepICESession() bool {
	s.traceStep("ice-session")
	if s.iceSession == nil || s.iceSession.State() != transport.StateReady {
		return true
	}
	s.traceStep("transport")
	if s.transport == nil {
		if s.factories.Transport == nil {
			s.fail(CodeInternal, "no transport factory")
			return false
		}
		t, err := s.factories.Transport.Open(s.iceSession.Conn(), s.reason == ReasonOutgoingFind, s.notifier(EventTransportStateChanged))
		if err != nil {
			s.fail(CodeInternal, fmt.Sprintf("create transport: %v", err))
			return false
		}
		s.transport = t
	}
	if s.transport.State() != transport.StateReady {
		return true
	}
	s.traceStep("secure-channel")
	if s.secure == nil {
		if s.factories.Secure == nil {
			s.fail(CodeInternal, "no security channel factory")
			return false
		}
		sc, err := s.factories.Secure.New(s.transport.Stream(), transport.SecureOptions{
			Initiator:     s.reason == ReasonOutgoingFind,
			LocalContext:  s.localContext,
			RemoteContext: s.remoteContext,
		}, s.handlers(EventSecureStateChanged))
		if err != nil {
			s.fail(CodeInternal, fmt.Sprintf("create security channel: %v", err))
			return false
		}
		s.secure = sc
	}
	switch s.secure.State() {
	case transport.StateShutdown:
		s.fail(CodeConflict, "security channel failed")
		return false
	case transport.StateWaiting:
		s.provideKeying()
	}
	return true
}

// provideKeying answers what the security channel is waiting for.
func (s *Session) provideKeying() {
	for i := 0; i < 3; i++ {
		progressed := false
		for _, need := range s.secure.Needs() {
			switch need {
			case transport.NeedLocalKey:
				s.secure.ProvideLocalKey(s.localKey)
				progressed = true
			case transport.NeedSignature:
				s.secure.ProvideSignature(s.peerFiles.Key.Sign(s.secure.PendingSignature()))
				progressed = true
			case transport.NeedRemoteKey:
				if s.remoteKeyProvided {
					continue
				}
				s.remoteKeyProvided = true
				s.secure.ProvideRemoteKey(s.remoteKey, s.peer.PublicKey)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// remoteICEParameters returns the remote parameters, relay candidates
// removed, once they are known.
func (s *Session) remoteICEParameters() (transport.ICEParameters, bool) {
	if !s.haveRemoteParams {
		return transport.ICEParameters{}, false
	}
	p := s.remoteParams
	p.Candidates = p.Candidates.ICE()
	return p, true
}

func (s *Session) stepConnectFind() bool {
	s.traceStep("connect-find")
	params, ok := s.remoteICEParameters()
	if !ok {
		return true
	}
	version := params.Version()
	if s.iceSession == nil {
		sess, err := s.account.Socket().NewSession(s.localContext, params, s.reason == ReasonOutgoingFind, s.notifier(EventICEStateChanged))
		if err != nil {
			s.fail(CodeInternal, fmt.Sprintf("create ice session: %v", err))
			return false
		}
		s.iceSession = sess
		s.remoteParamsVersion = version
	} else if version != s.remoteParamsVersion && !s.iceSession.State().IsDone() {
		if err := s.iceSession.Update(params); err != nil {
			s.log.Warn("Failed to update ice session", slog.String("error", err.Error()))
		}
		s.remoteParamsVersion = version
	}
	if s.reason == ReasonIncomingFind && !s.sentFindResult {
		local := s.localParameters()
		res, err := message.NewResult(s.findRequest, &message.FindResult{
			PeerURI:     s.peerFiles.URI,
			LocationID:  s.peerFiles.LocationID,
			Context:     s.localContext,
			ICEUsername: local.Username,
			ICEPassword: local.Password,
			Candidates:  local.Candidates,
			Final:       local.Final,
			DHPublicKey: s.localKey.Public(),
		})
		if err != nil {
			s.fail(CodeInternal, err.Error())
			return false
		}
		s.sentFindResult = true
		s.lastNotifyVersion = local.Version()
		s.notifyDelegate(func(d Delegate) { d.SendDiscovery(s, res) })
	}
	return true
}

func (s *Session) stepSendNotify() bool {
	s.traceStep("send-notify")
	local := s.localParameters()
	version := local.Version()
	if version == s.lastNotifyVersion {
		return true
	}
	env, err := message.NewNotify(message.MethodPeerLocationFind, &message.FindNotify{
		LocationID:  s.peerFiles.LocationID,
		Context:     s.localContext,
		ICEUsername: local.Username,
		ICEPassword: local.Password,
		Candidates:  local.Candidates,
		Final:       local.Final,
		DHPublicKey: s.localKey.Public(),
	})
	if err != nil {
		s.fail(CodeInternal, err.Error())
		return false
	}
	if err := s.sendLocked(env); err != nil {
		s.log.Debug("Failed to send find notify", slog.String("error", err.Error()))
		return true
	}
	s.lastNotifyVersion = version
	return true
}

func (s *Session) stepIncomingIdentify() bool {
	s.traceStep("incoming-identify")
	if s.reason != ReasonIncomingFind {
		return true
	}
	return !s.identifyTime.IsZero()
}

func (s *Session) stepOutgoingIdentify() bool {
	s.traceStep("outgoing-identify")
	if s.reason != ReasonOutgoingFind || !s.identifyTime.IsZero() {
		return true
	}
	if s.identifyMonitor != nil {
		return false
	}
	env, err := s.newIdentifyRequest()
	if err != nil {
		s.fail(CodeInternal, err.Error())
		return false
	}
	m := s.monitors.Monitor(env, s.timing.IdentifyTimeout, s.monitorHandler())
	if err := s.sendLocked(env); err != nil {
		m.Cancel()
		s.log.Debug("Failed to send identify", slog.String("error", err.Error()))
		return false
	}
	s.identifyMonitor = m
	s.identifySent = true
	return false
}
