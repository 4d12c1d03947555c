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
	"github.com/webmeshproj/peerlink/pkg/crypto"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// pathStatus classifies one way of reaching the remote location.
type pathStatus int

const (
	pathNone pathStatus = iota
	pathPending
	pathReady
	pathFailed
)

func streamStatus(m transport.MessageStream) pathStatus {
	if m == nil {
		return pathNone
	}
	switch st := m.State(); {
	case st == transport.StateReady:
		return pathReady
	case st.IsDone():
		return pathFailed
	}
	return pathPending
}

// peerStatus classifies the direct path: ICE session, reliable transport
// and security channel.
func (s *Session) peerStatus() pathStatus {
	if s.iceSession == nil {
		return pathNone
	}
	if s.iceSession.State().IsDone() {
		return pathFailed
	}
	if s.transport != nil && s.transport.State().IsDone() {
		return pathFailed
	}
	if s.secure == nil {
		return pathPending
	}
	return streamStatus(s.secure)
}

// activeStream returns the path messages are written to: the security
// channel, then the outgoing relay, then the incoming relay.
func (s *Session) activeStream() (string, transport.MessageStream) {
	if streamStatus(s.secure) == pathReady {
		return "secure", s.secure
	}
	if streamStatus(s.outRelay) == pathReady {
		return "outgoing-relay", s.outRelay
	}
	if streamStatus(s.inRelay) == pathReady {
		return "incoming-relay", s.inRelay
	}
	return "", nil
}

func (s *Session) stepConnectionReady() bool {
	s.traceStep("connection-ready")
	if s.iceSession != nil && s.iceSession.State() == transport.StateShutdown &&
		s.iceSession.Reason() == transport.ReasonBackgroundingTimeout && !s.shouldRefind {
		s.log.Info("ICE session timed out in the background, discovery should restart")
		s.shouldRefind = true
	}
	peer := s.peerStatus()
	statuses := []pathStatus{peer, streamStatus(s.outRelay), streamStatus(s.inRelay)}
	if peer == pathReady {
		s.hadPeerConnection = true
	}
	if s.hadPeerConnection && peer == pathFailed {
		code := CodeInternal
		if s.iceSession.Reason() == transport.ReasonBackgroundingTimeout {
			code = CodeTimeout
		}
		s.fail(code, "peer connection lost")
		return false
	}
	var pending, failed bool
	for _, st := range statuses {
		switch st {
		case pathReady:
			s.hadConnection = true
			return true
		case pathPending:
			pending = true
		case pathFailed:
			failed = true
		}
	}
	if pending {
		return false
	}
	if failed {
		s.fail(CodeNotFound, "all connection paths failed")
	}
	return false
}

func validateDH(dh []byte) error {
	return crypto.DHPublicKey(dh).Validate()
}
