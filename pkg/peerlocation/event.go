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
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/monitor"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// EventKind is the kind of an event posted to a session.
type EventKind int

const (
	EventWake EventKind = iota
	EventSocketStateChanged
	EventICEStateChanged
	EventTransportStateChanged
	EventRelayStateChanged
	EventSecureStateChanged
	EventMonitorResult
	EventTimer
	EventDNSDone
	EventMessage
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventWake:
		return "wake"
	case EventSocketStateChanged:
		return "socket-state-changed"
	case EventICEStateChanged:
		return "ice-state-changed"
	case EventTransportStateChanged:
		return "transport-state-changed"
	case EventRelayStateChanged:
		return "relay-state-changed"
	case EventSecureStateChanged:
		return "secure-state-changed"
	case EventMonitorResult:
		return "monitor-result"
	case EventTimer:
		return "timer"
	case EventDNSDone:
		return "dns-done"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is something that happened to a session. Source is the
// collaborator instance that emitted it; events from instances the
// session no longer owns are discarded.
type Event struct {
	Kind   EventKind
	Source any
	// Data is a raw inbound message for EventMessage.
	Data []byte
	// Envelope is a decoded inbound message for EventMessage.
	Envelope *message.Envelope
	// Monitor, Result and Err are set for EventMonitorResult.
	Monitor *monitor.Monitor
	Result  *message.Envelope
	Err     error
	// Records are set for EventDNSDone.
	Records []transport.SRV
}

type timerKind int

const (
	timerFind timerKind = iota
	timerShutdown
)

// timerToken is the source of timer events.
type timerToken struct{ kind timerKind }

// lookupToken is the source of DNS events.
type lookupToken struct{ host string }

// owns reports whether src is the current instance cur.
func owns(src, cur any) bool {
	return cur != nil && src == cur
}
