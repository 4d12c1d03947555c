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
	"strconv"

	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// Shutdown gracefully shuts the session down. It is idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.unlock()
	s.cancel()
}

// cancel drives the shutdown. The graceful phase asks the transport and
// the ICE session to shut down and waits for them until the shutdown
// timer fires; the hard phase cancels everything else.
func (s *Session) cancel() {
	if s.state == StateShutdown {
		return
	}
	if s.state != StateShuttingDown {
		s.setState(StateShuttingDown)
		s.monitors.CancelAll()
		if s.findTimer != nil {
			s.findTimer.Stop()
		}
		s.findTimerToken = nil
		tok := &timerToken{kind: timerShutdown}
		s.shutdownTimerToken = tok
		s.shutdownTimer = s.clock.AfterFunc(s.timing.ShutdownTimeout, s.timerFunc(tok))
	}
	if !s.forceHard && !s.gracefulDone() {
		return
	}
	s.hardShutdown()
}

// gracefulDone starts the graceful shutdown of the transport and the ICE
// session once and reports whether both are done.
func (s *Session) gracefulDone() bool {
	done := true
	if s.transport != nil {
		if !s.transportShutdown {
			s.transportShutdown = true
			s.transport.Shutdown()
		}
		if s.transport.State() != transport.StateShutdown {
			done = false
		}
	}
	if s.iceSession != nil {
		if !s.iceShutdown {
			s.iceShutdown = true
			s.iceSession.Shutdown()
		}
		if s.iceSession.State() != transport.StateShutdown {
			done = false
		}
	}
	return done
}

func (s *Session) hardShutdown() {
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
	}
	s.shutdownTimerToken = nil
	if s.forceHard {
		if s.transport != nil {
			s.transport.Cancel()
		}
		if s.iceSession != nil {
			s.iceSession.Cancel()
		}
	}
	if s.outRelay != nil {
		s.outRelay.Cancel()
	}
	if s.inRelay != nil {
		s.inRelay.Cancel()
	}
	if s.secure != nil {
		s.secure.Cancel()
	}
	if s.subscription != nil {
		s.subscription.Cancel()
	}
	if s.reason == ReasonOutgoingFind {
		if f, ok := s.account.Socket().(interface{ Forget(localContext string) }); ok {
			f.Forget(s.localContext)
		}
	}
	s.cancelCtx()
	s.setState(StateShutdown)
	metrics.SessionShutdownsTotal.WithLabelValues(strconv.Itoa(s.errCode)).Inc()
	s.log.Info("Peer location session shut down",
		slog.Int("code", s.errCode),
		slog.String("error", s.errReason))
	s.reg.remove(s.id)
}
