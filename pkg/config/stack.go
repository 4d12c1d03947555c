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

package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/webmeshproj/peerlink/pkg/net/dns"
	"github.com/webmeshproj/peerlink/pkg/net/ice"
	"github.com/webmeshproj/peerlink/pkg/net/relay"
	"github.com/webmeshproj/peerlink/pkg/net/rudp"
	"github.com/webmeshproj/peerlink/pkg/noncecache"
	"github.com/webmeshproj/peerlink/pkg/peerlocation"
	"github.com/webmeshproj/peerlink/pkg/secure"
)

// Stack holds the collaborators shared by every peer location session
// of an account.
type Stack struct {
	// Socket is the shared ICE socket.
	Socket *ice.Socket
	// Resolver resolves relay host names.
	Resolver *dns.Resolver
	// Nonces is the channel map replay cache.
	Nonces *noncecache.Cache
	// Factories are the session factories. RelayAcceptor is unset until
	// a relay listener is attached.
	Factories peerlocation.Factories
	// Timing are the session timings.
	Timing peerlocation.Timing
}

// NewStack opens the ICE socket, the SRV resolver and the nonce cache
// described by the options.
func (o *Options) NewStack(log *slog.Logger) (*Stack, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	socket, err := ice.NewSocket(o.ICE.SocketOptions(o.Timing, log))
	if err != nil {
		return nil, fmt.Errorf("open ice socket: %w", err)
	}
	resolver, err := dns.NewResolver(o.DNS.ResolverOptions(log))
	if err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	nonces, err := o.NonceCache.NewCache(log)
	if err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("open nonce cache: %w", err)
	}
	return &Stack{
		Socket:   socket,
		Resolver: resolver,
		Nonces:   nonces,
		Factories: peerlocation.Factories{
			Transport: &rudp.Factory{Logger: log},
			Relay:     &relay.Dialer{Logger: log},
			Secure:    &secure.Factory{Logger: log},
			Resolver:  resolver,
			Nonces:    nonces,
		},
		Timing: o.Timing.SessionTiming(),
	}, nil
}

// AttachRelayListener makes incoming relay channels accepted through l.
func (s *Stack) AttachRelayListener(l *relay.Listener) {
	s.Factories.RelayAcceptor = l
}

// Close releases the socket and the nonce cache. In flight lookups are
// waited for.
func (s *Stack) Close() error {
	s.Resolver.Wait()
	var errs []error
	if err := s.Socket.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ice socket: %w", err))
	}
	if err := s.Nonces.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close nonce cache: %w", err))
	}
	return errors.Join(errs...)
}
