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
	"fmt"
	"log/slog"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/identity"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/monitor"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// Send writes a message to the remote location over the best ready path.
func (s *Session) Send(env *message.Envelope) error {
	s.mu.Lock()
	defer s.unlock()
	return s.sendLocked(env)
}

func (s *Session) sendLocked(env *message.Envelope) error {
	if s.state == StateShuttingDown || s.state == StateShutdown {
		return ErrShutdown
	}
	if s.identifyTime.IsZero() && !message.LegalBeforeIdentify(env) {
		return fmt.Errorf("%w: %s %s", ErrIllegalBeforeIdentify, env.Method, env.Kind)
	}
	data, err := message.Encode(env)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	path, stream := s.activeStream()
	if stream == nil {
		return ErrNoTransport
	}
	if err := stream.WriteMessage(data); err != nil {
		return fmt.Errorf("write to %s: %w", path, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(path).Inc()
	return nil
}

// SendKeepAlive sends a keep alive request and fails the session if it
// is not answered in time.
func (s *Session) SendKeepAlive() error {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateShuttingDown || s.state == StateShutdown {
		return ErrShutdown
	}
	if s.keepAliveMonitor != nil {
		return ErrKeepAliveOutstanding
	}
	if s.reason == ReasonOutgoingFind && !s.identifySent {
		return ErrIdentifyNotSent
	}
	s.lastActivity = s.clock.Now()
	return s.sendKeepAliveLocked()
}

func (s *Session) sendKeepAliveLocked() error {
	env, err := message.NewRequest(message.MethodPeerKeepAlive, &message.KeepAliveRequest{
		Expires: s.clock.Now().Add(s.timing.KeepAliveTimeout),
	})
	if err != nil {
		return err
	}
	m := s.monitors.Monitor(env, s.timing.KeepAliveTimeout, s.monitorHandler())
	if err := s.sendLocked(env); err != nil {
		m.Cancel()
		return err
	}
	s.keepAliveMonitor = m
	return nil
}

// checkCorrectiveKeepAlive probes the relay once when the direct
// transport went away from a ready session that never used it.
func (s *Session) checkCorrectiveKeepAlive() {
	if s.correctiveSent || s.state != StateReady || s.hadPeerConnection {
		return
	}
	if s.transport.State() != transport.StateShutdown || s.keepAliveMonitor != nil {
		return
	}
	if streamStatus(s.outRelay) != pathReady && streamStatus(s.inRelay) != pathReady {
		return
	}
	s.correctiveSent = true
	s.log.Debug("Transport shut down, probing relay with a keep alive")
	if err := s.sendKeepAliveLocked(); err != nil {
		s.log.Debug("Failed to send corrective keep alive", slog.String("error", err.Error()))
	}
}

func (s *Session) newIdentifyRequest() (*message.Envelope, error) {
	expires := s.clock.Now().Add(s.timing.IdentifyTimeout)
	proof, err := identity.FindSecretProof(s.peer.FindSecret, s.peerFiles.LocationID, s.peer.URI, expires)
	if err != nil {
		return nil, fmt.Errorf("compute find secret proof: %w", err)
	}
	return message.NewRequest(message.MethodPeerIdentify, &message.IdentifyRequest{
		PeerURI:         s.peerFiles.URI,
		LocationID:      s.peerFiles.LocationID,
		TargetPeerURI:   s.peer.URI,
		FindSecretProof: proof,
		Expires:         expires,
	})
}

// handleInbound dispatches one inbound message.
func (s *Session) handleInbound(ev Event) {
	env := ev.Envelope
	if env == nil {
		var err error
		env, err = message.DecodeEnvelope(ev.Data)
		if err != nil {
			s.log.Debug("Dropping undecodable message", slog.String("error", err.Error()))
			return
		}
	}
	s.lastActivity = s.clock.Now()
	switch {
	case env.Kind == message.KindResult:
		if !s.monitors.Deliver(env) {
			s.log.Debug("Dropping unexpected result", slog.String("method", string(env.Method)), slog.String("id", env.ID))
		}
	case env.Is(message.MethodPeerLocationFind, message.KindNotify):
		s.handleFindNotify(env)
	case env.Is(message.MethodPeerIdentify, message.KindRequest):
		s.handleIdentifyRequest(env)
	case env.Is(message.MethodPeerKeepAlive, message.KindRequest):
		s.reply(env, &message.KeepAliveResult{})
	case env.Is(message.MethodChannelMap, message.KindNotify):
		var n message.ChannelMapNotify
		if err := env.Decode(&n); err != nil {
			s.log.Debug("Dropping channel map", slog.String("error", err.Error()))
			return
		}
		s.handleChannelMapLocked(&n)
	default:
		if s.identifyTime.IsZero() {
			s.log.Debug("Dropping message from unidentified location", slog.String("method", string(env.Method)))
			return
		}
		s.notifyDelegate(func(d Delegate) { d.HandleMessage(s, env) })
	}
}

func (s *Session) reply(req *message.Envelope, body any) {
	res, err := message.NewResult(req, body)
	if err != nil {
		s.log.Error("Failed to build result", slog.String("error", err.Error()))
		return
	}
	if err := s.sendLocked(res); err != nil {
		s.log.Debug("Failed to send result", slog.String("method", string(req.Method)), slog.String("error", err.Error()))
	}
}

func (s *Session) replyError(req *message.Envelope, code int, reason string) {
	if err := s.sendLocked(message.NewErrorResult(req, code, reason)); err != nil {
		s.log.Debug("Failed to send error result", slog.String("method", string(req.Method)), slog.String("error", err.Error()))
	}
}

// setRemoteParameters records candidates advertised by the remote location.
func (s *Session) setRemoteParameters(username, password string, cands candidate.List, final bool) {
	s.remoteParams = transport.ICEParameters{
		Username:   username,
		Password:   password,
		Candidates: candidate.Filter(cands).ICE(),
		Final:      final,
	}
	s.haveRemoteParams = true
}

func (s *Session) handleFindNotify(env *message.Envelope) {
	var n message.FindNotify
	if err := env.Decode(&n); err != nil {
		s.log.Debug("Dropping find notify", slog.String("error", err.Error()))
		return
	}
	if n.Context != s.remoteContext || n.LocationID != s.remoteLocationID {
		s.log.Debug("Dropping find notify for another context", slog.String("context", n.Context))
		return
	}
	if !s.pinRemoteKey(n.DHPublicKey) {
		return
	}
	s.setRemoteParameters(n.ICEUsername, n.ICEPassword, n.Candidates, n.Final)
}

func (s *Session) handleIdentifyRequest(env *message.Envelope) {
	var req message.IdentifyRequest
	if err := env.Decode(&req); err != nil {
		s.replyError(env, CodeConflict, "malformed identify request")
		return
	}
	if s.reason != ReasonIncomingFind {
		s.replyError(env, CodeConflict, "unexpected identify request")
		return
	}
	if err := s.verifyIdentify(&req); err != nil {
		s.replyError(env, CodeConflict, "identify rejected")
		s.fail(CodeConflict, fmt.Sprintf("identify: %v", err))
		return
	}
	if s.identifyTime.IsZero() {
		s.identifyTime = s.clock.Now()
		s.log.Debug("Remote location identified")
	}
	s.reply(env, &message.IdentifyResult{
		PeerURI:    s.peerFiles.URI,
		LocationID: s.peerFiles.LocationID,
	})
}

func (s *Session) verifyIdentify(req *message.IdentifyRequest) error {
	switch {
	case req.PeerURI != s.peer.URI:
		return fmt.Errorf("%w: peer uri %q", ErrPeerMismatch, req.PeerURI)
	case req.LocationID != s.remoteLocationID:
		return fmt.Errorf("%w: location %q", ErrPeerMismatch, req.LocationID)
	case req.TargetPeerURI != s.peerFiles.URI:
		return fmt.Errorf("%w: target %q", ErrPeerMismatch, req.TargetPeerURI)
	case s.clock.Now().After(req.Expires):
		return errors.New("identify request expired")
	}
	return identity.VerifyFindSecretProof(s.peerFiles.FindSecret, req.LocationID, req.TargetPeerURI, req.Expires, req.FindSecretProof)
}

func (s *Session) handleMonitorResult(ev Event) {
	switch {
	case ev.Monitor == nil:
	case ev.Monitor == s.findMonitor:
		s.handleFindResult(ev)
	case ev.Monitor == s.identifyMonitor:
		s.handleIdentifyResult(ev)
	case ev.Monitor == s.keepAliveMonitor:
		s.keepAliveMonitor = nil
		if ev.Err != nil {
			s.fail(CodeTimeout, "keep alive timed out")
			return
		}
		if ev.Result.IsError() {
			s.fail(resultCode(ev.Result), fmt.Sprintf("keep alive: %v", ev.Result.Error))
		}
	}
}

func resultCode(env *message.Envelope) int {
	if env.Error != nil && env.Error.Code != 0 {
		return env.Error.Code
	}
	return CodeInternal
}

func (s *Session) handleFindResult(ev Event) {
	if errors.Is(ev.Err, monitor.ErrTimeout) {
		s.handleFindTimeout()
		return
	}
	if ev.Err != nil {
		s.fail(CodeInternal, ev.Err.Error())
		return
	}
	if s.reason != ReasonOutgoingFind {
		return
	}
	if ev.Result.IsError() {
		s.fail(resultCode(ev.Result), fmt.Sprintf("find: %v", ev.Result.Error))
		return
	}
	var res message.FindResult
	if err := ev.Result.Decode(&res); err != nil {
		s.fail(CodeInternal, err.Error())
		return
	}
	if res.PeerURI != s.peer.URI {
		s.fail(CodeConflict, fmt.Sprintf("find result from peer %q", res.PeerURI))
		return
	}
	if res.LocationID != s.remoteContext {
		s.fail(CodeConflict, fmt.Sprintf("find result from location %q", res.LocationID))
		return
	}
	if !s.pinRemoteKey(res.DHPublicKey) {
		return
	}
	s.setRemoteParameters(res.ICEUsername, res.ICEPassword, res.Candidates, res.Final)
}

// handleFindTimeout ends the find phase. A session that never connected
// gives up; one that did stops waiting for more remote candidates.
func (s *Session) handleFindTimeout() {
	if !s.hadConnection {
		s.fail(CodeTimeout, "find timed out")
		return
	}
	if s.haveRemoteParams && !s.remoteParams.Final {
		// The version changes, so stepConnectFind updates the ICE session.
		s.log.Debug("Find timed out, treating remote candidates as final")
		s.remoteParams.Final = true
	}
}

func (s *Session) handleIdentifyResult(ev Event) {
	if ev.Err != nil {
		s.fail(CodeTimeout, "identify timed out")
		return
	}
	if ev.Result.IsError() {
		s.fail(resultCode(ev.Result), fmt.Sprintf("identify: %v", ev.Result.Error))
		return
	}
	var res message.IdentifyResult
	if err := ev.Result.Decode(&res); err != nil {
		s.fail(CodeInternal, err.Error())
		return
	}
	if res.PeerURI != s.peer.URI || res.LocationID != s.remoteLocationID {
		s.fail(CodeConflict, fmt.Sprintf("identify result from %q at %q", res.PeerURI, res.LocationID))
		return
	}
	s.identifyTime = s.clock.Now()
	s.log.Debug("Identified to remote location")
}

func (s *Session) handleTimer(ev Event) {
	if !owns(ev.Source, s.findTimerToken) {
		return
	}
	s.findTimerToken = nil
	if s.findMonitor != nil && !s.findMonitor.IsComplete() {
		// The monitor posts the timeout as its result.
		s.findMonitor.Timeout()
		return
	}
	s.handleFindTimeout()
}
