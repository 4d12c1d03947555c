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

package ice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/ice/v2"

	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// ReasonBackgroundingTimeout is reported when a connected session lost
// connectivity for longer than the backgrounding timeout.
const ReasonBackgroundingTimeout = transport.ReasonBackgroundingTimeout

// ErrCredentialsChanged is returned when an update carries different
// remote credentials. A new session is needed in that case.
var ErrCredentialsChanged = errors.New("remote ice credentials changed")

// Session is one ICE negotiation. It implements transport.ICESession.
type Session struct {
	socket       *Socket
	localContext string
	agent        *ice.Agent
	notify       transport.Notify
	controlling  bool
	log          *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc

	mu        sync.Mutex
	state     transport.State
	reason    transport.Reason
	conn      *ice.Conn
	connected bool
	remote    transport.ICEParameters
	added     map[string]struct{}
}

func newSession(s *Socket, localContext string, creds credentials, remote transport.ICEParameters, controlling bool, notify transport.Notify) (*Session, error) {
	types := []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive}
	if len(s.urls) > 0 {
		types = append(types, ice.CandidateTypeRelay)
	}
	agent, err := ice.NewAgent(s.agentConfig(creds, types...))
	if err != nil {
		return nil, fmt.Errorf("create ice agent: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		socket:       s,
		localContext: localContext,
		agent:        agent,
		notify:       notify,
		controlling:  controlling,
		log:          s.log.With("component", "ice-session", "ufrag", creds.ufrag),
		ctx:          ctx,
		cancel:       cancel,
		state:        transport.StatePending,
		remote:       remote,
		added:        make(map[string]struct{}),
	}
	if err := agent.OnConnectionStateChange(sess.onConnectionStateChange); err != nil {
		sess.close()
		return nil, fmt.Errorf("on connection state change: %w", err)
	}
	if err := agent.OnCandidate(sess.onCandidate); err != nil {
		sess.close()
		return nil, fmt.Errorf("on candidate: %w", err)
	}
	s.startRelayGather(localContext, sess)
	if err := agent.GatherCandidates(); err != nil {
		sess.close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	sess.addRemote(remote)
	go sess.connect(remote.Username, remote.Password)
	return sess, nil
}

// State implements transport.ICESession.
func (s *Session) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason implements transport.ICESession.
func (s *Session) Reason() transport.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Conn implements transport.ICESession.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn
}

// Update implements transport.ICESession.
func (s *Session) Update(remote transport.ICEParameters) error {
	s.mu.Lock()
	if s.state.IsDone() {
		s.mu.Unlock()
		return nil
	}
	if remote.Username != s.remote.Username || remote.Password != s.remote.Password {
		s.mu.Unlock()
		return ErrCredentialsChanged
	}
	s.remote = remote
	s.mu.Unlock()
	s.addRemote(remote)
	return nil
}

func (s *Session) addRemote(remote transport.ICEParameters) {
	for _, c := range remote.Candidates.ICE() {
		raw := Marshal(c)
		s.mu.Lock()
		_, seen := s.added[raw]
		s.added[raw] = struct{}{}
		s.mu.Unlock()
		if seen {
			continue
		}
		ic, err := ToICE(c)
		if err != nil {
			s.log.Debug("Skipping remote candidate", slog.String("candidate", raw), slog.String("error", err.Error()))
			continue
		}
		if err := s.agent.AddRemoteCandidate(ic); err != nil {
			s.log.Debug("Failed to add remote candidate", slog.String("candidate", raw), slog.String("error", err.Error()))
		}
	}
}

func (s *Session) connect(ufrag, pwd string) {
	var conn *ice.Conn
	var err error
	if s.controlling {
		conn, err = s.agent.Dial(s.ctx, ufrag, pwd)
	} else {
		conn, err = s.agent.Accept(s.ctx, ufrag, pwd)
	}
	if err != nil {
		s.finish(transport.ReasonFailed)
		return
	}
	s.mu.Lock()
	if s.state != transport.StatePending {
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.connected = true
	s.state = transport.StateReady
	s.mu.Unlock()
	s.log.Debug("ICE session connected")
	s.notify(s)
}

// onCandidate publishes relayed candidates through the socket. Host and
// server reflexive candidates are already advertised by the socket.
func (s *Session) onCandidate(c ice.Candidate) {
	if c == nil {
		s.socket.relayGatherDone(s.localContext, s)
		return
	}
	if c.Type() != ice.CandidateTypeRelay {
		return
	}
	s.log.Debug("Gathered relayed candidate", slog.String("candidate", c.String()))
	s.socket.addRelayCandidate(s.localContext, s, FromICE(c))
}

func (s *Session) onConnectionStateChange(state ice.ConnectionState) {
	s.log.Debug("ICE connection state changed", slog.String("state", state.String()))
	switch state {
	case ice.ConnectionStateFailed:
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		if connected {
			s.finish(ReasonBackgroundingTimeout)
		} else {
			s.finish(transport.ReasonFailed)
		}
	case ice.ConnectionStateClosed:
		s.finish(transport.ReasonClosed)
	}
}

// Shutdown implements transport.ICESession.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state.IsDone() {
		s.mu.Unlock()
		return
	}
	s.state = transport.StateShuttingDown
	s.mu.Unlock()
	s.notify(s)
	go s.finish(transport.ReasonClosed)
}

// Cancel implements transport.ICESession.
func (s *Session) Cancel() {
	s.finish(transport.ReasonCanceled)
}

func (s *Session) finish(reason transport.Reason) {
	s.mu.Lock()
	if s.state == transport.StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = transport.StateShutdown
	s.reason = reason
	s.mu.Unlock()
	s.log.Debug("ICE session shut down", slog.String("reason", string(reason)))
	s.close()
	s.notify(s)
}

func (s *Session) close() {
	s.socket.removeRelayGather(s.localContext, s)
	s.cancel()
	go func() {
		_ = s.agent.Close()
	}()
}
