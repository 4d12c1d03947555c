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
	"testing"
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/logging"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

func TestCandidateConversion(t *testing.T) {
	t.Parallel()
	tc := []struct {
		name string
		in   candidate.Candidate
		want string
	}{
		{
			name: "host",
			in: candidate.Candidate{
				Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost,
				Foundation: "1", Component: 1, Priority: 2130706431, IP: "10.0.0.1", Port: 4000,
			},
			want: "1 1 udp 2130706431 10.0.0.1 4000 typ host",
		},
		{
			name: "server reflexive",
			in: candidate.Candidate{
				Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeSrflx,
				Foundation: "2", Component: 1, Priority: 1694498815, IP: "203.0.113.7", Port: 50000,
				RelatedIP: "10.0.0.1", RelatedPort: 4000,
			},
			want: "2 1 udp 1694498815 203.0.113.7 50000 typ srflx raddr 10.0.0.1 rport 4000",
		},
	}
	for _, c := range tc {
		t.Run(c.name, func(t *testing.T) {
			if got := Marshal(c.in); got != c.want {
				t.Fatalf("Marshal() = %q, want %q", got, c.want)
			}
			ic, err := ToICE(c.in)
			if err != nil {
				t.Fatalf("ToICE() failed: %v", err)
			}
			back := FromICE(ic)
			if !back.Equal(c.in) {
				t.Fatalf("round trip mismatch: got %v, want %v", back, c.in)
			}
		})
	}
}

func TestToICERejects(t *testing.T) {
	t.Parallel()
	if _, err := ToICE(candidate.Candidate{Namespace: candidate.NamespaceFinderRelay, Transport: candidate.TransportTCP}); err == nil {
		t.Fatal("expected relay candidate to be rejected")
	}
	if _, err := ToICE(candidate.Candidate{Namespace: candidate.NamespaceICE, Transport: candidate.TransportTCP, IP: "10.0.0.1", Port: 1}); err == nil {
		t.Fatal("expected tcp candidate to be rejected")
	}
}

func TestSocketGather(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping candidate gathering in short mode")
	}
	s, err := NewSocket(SocketOptions{
		ListenAddress:   "127.0.0.1:0",
		IncludeLoopback: true,
		Logger:          logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	changed := make(chan struct{}, 4)
	sub := s.Subscribe(func(any) { changed <- struct{}{} })
	defer sub.Cancel()
	// Subscribing notifies once.
	<-changed
	if s.IsReady() {
		t.Fatal("socket should not be ready before waking")
	}
	s.Wake()
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatal("gathering did not complete")
	}
	if !s.IsReady() {
		t.Fatal("expected socket to be ready")
	}
	a := s.LocalParameters("ctx-a")
	b := s.LocalParameters("ctx-b")
	if a.Username == b.Username {
		t.Fatal("expected per-context credentials")
	}
	if again := s.LocalParameters("ctx-a"); again.Username != a.Username || again.Password != a.Password {
		t.Fatal("expected stable credentials for a context")
	}
	if !a.Final {
		t.Fatal("expected final parameters once gathered")
	}
	var _ transport.Socket = s
}

func TestSocketRelayCandidates(t *testing.T) {
	t.Parallel()
	s, err := NewSocket(SocketOptions{
		ListenAddress: "127.0.0.1:0",
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	host := candidate.Candidate{
		Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeHost,
		Foundation: "1", Component: 1, Priority: 2130706431, IP: "10.0.0.1", Port: 4000,
	}
	relayed := candidate.Candidate{
		Namespace: candidate.NamespaceICE, Transport: candidate.TransportUDP, Type: candidate.TypeRelay,
		Foundation: "3", Component: 1, Priority: 16777215, IP: "198.51.100.9", Port: 3478,
		RelatedIP: "203.0.113.7", RelatedPort: 50000,
	}
	s.mu.Lock()
	s.ready = true
	s.candidates = candidate.List{host}
	s.mu.Unlock()

	var notified int
	sub := s.Subscribe(func(any) { notified++ })
	defer sub.Cancel()
	notified = 0

	sess := &Session{}
	s.startRelayGather("ctx-a", sess)
	if s.LocalParameters("ctx-a").Final {
		t.Fatal("parameters should not be final while a session is gathering")
	}
	if !s.LocalParameters("ctx-b").Final {
		t.Fatal("other contexts should not wait for the gathering session")
	}

	s.addRelayCandidate("ctx-a", sess, relayed)
	if notified != 1 {
		t.Fatalf("expected one notification, got %d", notified)
	}
	a := s.LocalParameters("ctx-a")
	if !a.Candidates.Equal(candidate.List{host, relayed}) {
		t.Fatalf("unexpected candidates for ctx-a: %v", a.Candidates)
	}
	if b := s.LocalParameters("ctx-b"); !b.Candidates.Equal(candidate.List{host}) {
		t.Fatalf("relay candidate leaked to ctx-b: %v", b.Candidates)
	}

	s.relayGatherDone("ctx-a", sess)
	if !s.LocalParameters("ctx-a").Final {
		t.Fatal("expected final parameters once the session finished gathering")
	}

	s.removeRelayGather("ctx-a", sess)
	if notified != 3 {
		t.Fatalf("expected a notification when the session closed, got %d", notified)
	}
	a = s.LocalParameters("ctx-a")
	if !a.Candidates.Equal(candidate.List{host}) || !a.Final {
		t.Fatalf("relay candidate of a closed session is still advertised: %+v", a)
	}

	// Updates for sessions that already closed are dropped.
	s.addRelayCandidate("ctx-a", sess, relayed)
	if notified != 3 {
		t.Fatalf("unexpected notification for a closed session")
	}
}
