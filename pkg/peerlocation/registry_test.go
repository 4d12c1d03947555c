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
	"sync"
	"testing"

	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

func TestRegistry(t *testing.T) {
	e := newTestEnv(t)
	e.socket.setReady()
	first := e.newOutgoing(func(o *OutgoingOptions) { o.LocalContext = "first" })
	second := e.newOutgoing(func(o *OutgoingOptions) { o.LocalContext = "second" })
	if first.ID() != 1 || second.ID() != 2 {
		t.Fatalf("session ids = %d, %d", first.ID(), second.ID())
	}
	if e.reg.Get(second.ID()) != second {
		t.Fatal("registry returned the wrong session")
	}
	if e.reg.Len() != 2 || len(e.reg.Sessions()) != 2 {
		t.Fatalf("registry holds %d sessions", e.reg.Len())
	}

	if d := e.reg.HandleChannelMap(nil); d != DecisionIgnore {
		t.Fatalf("nil channel map decision = %s", d)
	}
	n := e.channelMap(second, 4)
	n.LocalContext = "unknown"
	if d := e.reg.HandleChannelMap(n); d != DecisionIgnore {
		t.Fatalf("unknown context decision = %s", d)
	}
	if d := e.reg.HandleChannelMap(e.channelMap(second, 4)); d != DecisionAccept {
		t.Fatalf("channel map decision = %s", d)
	}
	if got := e.acceptor.last(t).accept.LocalContext; got != "second" {
		t.Fatalf("channel mapped to %q", got)
	}

	e.reg.ShutdownAll()
	if e.reg.Len() != 0 || e.reg.Get(first.ID()) != nil {
		t.Fatal("sessions still registered after shutdown")
	}
	// Posting to removed sessions is a no-op.
	e.reg.Post(first.ID(), Event{Kind: EventWake})
}

func TestConcurrentCallbacks(t *testing.T) {
	e := newTestEnv(t)
	e.delegate.onState = func(s *Session, state State) {
		_ = s.Info()
	}
	s, relay := readyIncoming(t, e)

	app := appMessage(t)
	ka, err := message.NewRequest(message.MethodPeerKeepAlive, &message.KeepAliveRequest{Expires: epoch})
	if err != nil {
		t.Fatal(err)
	}
	data, err := message.Encode(ka)
	if err != nil {
		t.Fatal(err)
	}

	ice := e.socket.session(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 5 {
				case 0:
					s.Wake()
				case 1:
					_ = s.Send(app)
				case 2:
					_ = s.Info()
				case 3:
					relay.h.Message(relay, data)
				case 4:
					ice.set(transport.StatePending, transport.ReasonNone)
				}
			}
		}(i)
	}
	wg.Wait()
	mustState(t, s, StateReady)
	s.Shutdown()
	mustState(t, s, StateShutdown)
}
