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
	"log/slog"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// ChannelMapNamespace is the nonce cache namespace of channel map proofs.
const ChannelMapNamespace = "channel-map"

// Decision is the outcome of a channel map notification.
type Decision int

const (
	DecisionIgnore Decision = iota
	DecisionAccept
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d == DecisionAccept {
		return "accept"
	}
	return "ignore"
}

// HandleIncomingChannelMapNotify decides whether a relay channel mapped by
// the relay server belongs to this session and, if so, attaches it.
func (s *Session) HandleIncomingChannelMapNotify(n *message.ChannelMapNotify) Decision {
	s.mu.Lock()
	defer s.unlock()
	d := s.handleChannelMapLocked(n)
	s.step()
	return d
}

func (s *Session) handleChannelMapLocked(n *message.ChannelMapNotify) Decision {
	d, reason := s.channelMapDecision(n)
	if d != DecisionAccept {
		metrics.ChannelMapRejectionsTotal.WithLabelValues(reason).Inc()
		s.log.Debug("Ignoring channel map", slog.String("reason", reason))
		return d
	}
	s.inChannel = n.Channel
	s.inChannelMapped = true
	s.log.Debug("Accepted channel map", slog.Uint64("channel", uint64(n.Channel)))
	if s.factories.RelayAcceptor == nil {
		return d
	}
	ch, err := s.factories.RelayAcceptor.Accept(transport.RelayAcceptOptions{
		Channel:       n.Channel,
		LocalContext:  s.localContext,
		RemoteContext: s.remoteContext,
		LocalKey:      s.localKey,
		RemoteKey:     s.remoteKey,
	}, s.handlers(EventRelayStateChanged))
	if err != nil {
		s.log.Warn("Failed to accept relay channel", slog.String("error", err.Error()))
		return d
	}
	s.attachIncomingRelay(ch)
	return d
}

// channelMapDecision checks, in order, the session kind, the context
// pair, the single use of the proof nonce, the proof itself and the
// resource it grants.
func (s *Session) channelMapDecision(n *message.ChannelMapNotify) (Decision, string) {
	switch {
	case s.reason != ReasonOutgoingFind:
		return DecisionIgnore, "not-outgoing"
	case s.state == StateShuttingDown || s.state == StateShutdown:
		return DecisionIgnore, "shutdown"
	case n == nil || n.Proof == nil:
		return DecisionIgnore, "malformed"
	case n.LocalContext != s.localContext || n.RemoteContext != s.remoteContext:
		return DecisionIgnore, "context-mismatch"
	}
	relay, ok := s.account.RelayCandidate()
	if !ok || relay.Token == nil {
		return DecisionIgnore, "no-relay-token"
	}
	if s.factories.Nonces == nil {
		return DecisionIgnore, "no-nonce-cache"
	}
	first, err := s.factories.Nonces.CheckAndStore(s.ctx, ChannelMapNamespace, n.Proof.Nonce)
	if err != nil {
		s.log.Warn("Nonce cache failed", slog.String("error", err.Error()))
		return DecisionIgnore, "nonce-cache"
	}
	if !first {
		return DecisionIgnore, "replay"
	}
	validated, err := candidate.ValidateProof(relay.Token, n.Proof, s.clock.Now())
	if err != nil {
		return DecisionIgnore, "invalid-proof"
	}
	if validated.Resource != candidate.RelayResource {
		return DecisionIgnore, "resource-mismatch"
	}
	return DecisionAccept, ""
}

// AttachIncomingRelayChannel hands a relay channel mapped to this session
// to it. The channel must report through RelayHandlers.
func (s *Session) AttachIncomingRelayChannel(ch transport.RelayChannel) error {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateShuttingDown || s.state == StateShutdown {
		ch.Cancel()
		return ErrShutdown
	}
	if s.reason != ReasonOutgoingFind {
		ch.Cancel()
		return ErrNotOutgoing
	}
	s.attachIncomingRelay(ch)
	if s.learnRelayKey(ch) {
		s.step()
	}
	return nil
}

// RelayHandlers returns the handlers a relay channel attached with
// AttachIncomingRelayChannel must be created with.
func (s *Session) RelayHandlers() transport.Handlers {
	return s.handlers(EventRelayStateChanged)
}

func (s *Session) attachIncomingRelay(ch transport.RelayChannel) {
	if s.inRelay != nil && s.inRelay != ch {
		s.inRelay.Cancel()
	}
	s.inRelay = ch
}
