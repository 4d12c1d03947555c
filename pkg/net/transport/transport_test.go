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

package transport

import (
	"testing"

	"github.com/webmeshproj/peerlink/pkg/candidate"
)

func TestStateHelpers(t *testing.T) {
	t.Parallel()
	tc := []struct {
		state   State
		pending bool
		done    bool
	}{
		{StatePending, true, false},
		{StateWaiting, true, false},
		{StateReady, false, false},
		{StateShuttingDown, false, true},
		{StateShutdown, false, true},
	}
	for _, c := range tc {
		t.Run(c.state.String(), func(t *testing.T) {
			if c.state.IsPending() != c.pending {
				t.Errorf("IsPending() = %v, want %v", c.state.IsPending(), c.pending)
			}
			if c.state.IsDone() != c.done {
				t.Errorf("IsDone() = %v, want %v", c.state.IsDone(), c.done)
			}
		})
	}
}

func TestICEParametersVersion(t *testing.T) {
	t.Parallel()
	p := ICEParameters{
		Username: "u",
		Password: "p",
		Candidates: candidate.List{
			{Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost, IP: "10.0.0.1", Port: 4000},
		},
	}
	v := p.Version()
	p.Final = true
	if p.Version() == v {
		t.Fatal("expected final flag to change the version")
	}
	p.Password = "other"
	final := p.Version()
	p.Password = "p"
	if p.Version() != final {
		t.Fatal("expected password to not affect the version")
	}
}

func TestHandlersNil(t *testing.T) {
	t.Parallel()
	var h Handlers
	// Must not panic.
	h.StateChanged(nil)
	h.Message(nil, []byte("x"))
	var got []byte
	h.OnMessage = func(_ any, data []byte) { got = data }
	h.Message(nil, []byte("x"))
	if string(got) != "x" {
		t.Fatalf("expected message to be delivered, got %q", got)
	}
}
