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
	"sync"

	"github.com/webmeshproj/peerlink/pkg/clock"
	"github.com/webmeshproj/peerlink/pkg/message"
)

// RegistryOptions are options for a Registry.
type RegistryOptions struct {
	// Clock drives all session timers. Defaults to the real clock.
	Clock clock.Clock
	// Logger is the parent logger of all sessions.
	Logger *slog.Logger
}

// Registry owns the sessions of an account. Collaborators refer to
// sessions by ID, so late callbacks for removed sessions are dropped.
type Registry struct {
	clock    clock.Clock
	log      *slog.Logger
	mu       sync.Mutex
	next     ID
	sessions map[ID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "peer-location"),
		sessions: make(map[ID]*Session),
	}
}

// Post delivers an event to the session with the given id. It never
// blocks on the session and does nothing if the session is gone.
func (r *Registry) Post(id ID, ev Event) {
	s := r.Get(id)
	if s == nil {
		return
	}
	s.post(ev)
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// HandleChannelMap routes a channel map notification to the outgoing
// find session with the notified context pair. It returns the decision
// of that session, or DecisionIgnore when no session matches.
func (r *Registry) HandleChannelMap(n *message.ChannelMapNotify) Decision {
	if n == nil {
		return DecisionIgnore
	}
	var target *Session
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.reason == ReasonOutgoingFind && s.localContext == n.LocalContext && s.remoteContext == n.RemoteContext {
			target = s
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		r.log.Debug("Dropping channel map for unknown contexts",
			slog.String("local-context", n.LocalContext),
			slog.String("remote-context", n.RemoteContext))
		return DecisionIgnore
	}
	return target.HandleIncomingChannelMapNotify(n)
}

// ShutdownAll shuts down every session.
func (r *Registry) ShutdownAll() {
	for _, s := range r.Sessions() {
		s.Shutdown()
	}
}

func (r *Registry) add(s *Session) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sessions[r.next] = s
	return r.next
}

func (r *Registry) remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
