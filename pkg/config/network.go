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
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/spf13/pflag"

	"github.com/webmeshproj/peerlink/pkg/net/dns"
	"github.com/webmeshproj/peerlink/pkg/net/ice"
	"github.com/webmeshproj/peerlink/pkg/net/relay"
)

// ICEOptions are the options for the ICE socket.
type ICEOptions struct {
	// ListenAddress is the UDP address of the socket.
	ListenAddress string `yaml:"listen-address,omitempty"`
	// URLs are STUN and TURN server URLs.
	URLs []string `yaml:"urls,omitempty"`
	// IncludeLoopback gathers loopback candidates.
	IncludeLoopback bool `yaml:"include-loopback,omitempty"`
}

// NewICEOptions returns new ICEOptions with the default values.
func NewICEOptions() ICEOptions {
	return ICEOptions{
		ListenAddress: "0.0.0.0:0",
		URLs:          []string{"stun:stun.l.google.com:19302"},
	}
}

// BindFlags binds the flags.
func (i *ICEOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&i.ListenAddress, prefix+"listen-address", i.ListenAddress, "UDP address of the ICE socket.")
	fs.StringSliceVar(&i.URLs, prefix+"urls", i.URLs, "STUN/TURN server URLs.")
	fs.BoolVar(&i.IncludeLoopback, prefix+"include-loopback", i.IncludeLoopback, "Gather loopback candidates.")
}

// Validate validates the options.
func (i ICEOptions) Validate() error {
	if i.ListenAddress == "" {
		return fmt.Errorf("ice.listen-address must be set")
	}
	if _, _, err := net.SplitHostPort(i.ListenAddress); err != nil {
		return fmt.Errorf("ice.listen-address is invalid: %w", err)
	}
	for _, u := range i.URLs {
		if _, err := stun.ParseURI(u); err != nil {
			return fmt.Errorf("ice.urls: %q is invalid: %w", u, err)
		}
	}
	return nil
}

// SocketOptions returns the ICE socket options for the given timings.
func (i ICEOptions) SocketOptions(t TimingOptions, log *slog.Logger) ice.SocketOptions {
	return ice.SocketOptions{
		ListenAddress:       i.ListenAddress,
		URLs:                i.URLs,
		KeepAliveInterval:   t.ICEKeepAliveInterval,
		DisconnectedTimeout: t.ExpectSessionDataInterval,
		FailedTimeout:       t.BackgroundingTimeout - t.ExpectSessionDataInterval,
		IncludeLoopback:     i.IncludeLoopback,
		Logger:              log,
	}
}

// DNSOptions are the options for the SRV resolver.
type DNSOptions struct {
	// Servers overrides the system resolvers.
	Servers []string `yaml:"servers,omitempty"`
	// Timeout is the timeout of a single query.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// CacheSize is the number of cached answers. Negative disables caching.
	CacheSize int `yaml:"cache-size,omitempty"`
	// UseTCP queries over TCP.
	UseTCP bool `yaml:"use-tcp,omitempty"`
}

// NewDNSOptions returns new DNSOptions with the default values.
func NewDNSOptions() DNSOptions {
	return DNSOptions{
		Timeout:   dns.DefaultTimeout,
		CacheSize: dns.DefaultCacheSize,
	}
}

// BindFlags binds the flags.
func (d *DNSOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringSliceVar(&d.Servers, prefix+"servers", d.Servers, "DNS servers to query. Defaults to the system resolvers.")
	fs.DurationVar(&d.Timeout, prefix+"timeout", d.Timeout, "Timeout of a DNS query.")
	fs.IntVar(&d.CacheSize, prefix+"cache-size", d.CacheSize, "Number of cached SRV answers. Negative disables the cache.")
	fs.BoolVar(&d.UseTCP, prefix+"use-tcp", d.UseTCP, "Query DNS servers over TCP.")
}

// Validate validates the options.
func (d DNSOptions) Validate() error {
	if d.Timeout <= 0 {
		return fmt.Errorf("dns.timeout must be positive")
	}
	for _, s := range d.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("dns.servers: %q is invalid: %w", s, err)
		}
	}
	return nil
}

// ResolverOptions returns the resolver options. The system resolvers are
// used when no servers are configured.
func (d DNSOptions) ResolverOptions(log *slog.Logger) dns.ResolverOptions {
	conf := dns.GetSystemConfig()
	if len(d.Servers) > 0 {
		conf.Servers = d.Servers
	}
	conf.Timeout = d.Timeout
	conf.UseTCP = d.UseTCP
	return dns.ResolverOptions{Config: &conf, CacheSize: d.CacheSize, Logger: log}
}

// RelayOptions are the options for the finder relay server.
type RelayOptions struct {
	// Enabled enables the relay server.
	Enabled bool `yaml:"enabled,omitempty"`
	// ListenAddress is the TCP address of the relay server.
	ListenAddress string `yaml:"listen-address,omitempty"`
	// TokenTTL is the lifetime of issued relay tokens.
	TokenTTL time.Duration `yaml:"token-ttl,omitempty"`
	// ProofTTL is the lifetime of channel map proofs.
	ProofTTL time.Duration `yaml:"proof-ttl,omitempty"`
	// AcceptTimeout bounds how long a dialer waits for the listener.
	AcceptTimeout time.Duration `yaml:"accept-timeout,omitempty"`
}

// NewRelayOptions returns new RelayOptions with the default values.
func NewRelayOptions() RelayOptions {
	return RelayOptions{
		Enabled:       false,
		ListenAddress: relay.DefaultListenAddress,
		TokenTTL:      relay.DefaultTokenTTL,
		ProofTTL:      relay.DefaultProofTTL,
		AcceptTimeout: relay.DefaultAcceptTimeout,
	}
}

// BindFlags binds the flags.
func (r *RelayOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&r.Enabled, prefix+"enabled", r.Enabled, "Enable the finder relay server.")
	fs.StringVar(&r.ListenAddress, prefix+"listen-address", r.ListenAddress, "TCP address of the finder relay server.")
	fs.DurationVar(&r.TokenTTL, prefix+"token-ttl", r.TokenTTL, "Lifetime of issued relay tokens.")
	fs.DurationVar(&r.ProofTTL, prefix+"proof-ttl", r.ProofTTL, "Lifetime of channel map proofs.")
	fs.DurationVar(&r.AcceptTimeout, prefix+"accept-timeout", r.AcceptTimeout, "How long a dialer waits to be accepted.")
}

// Validate validates the options.
func (r RelayOptions) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.ListenAddress == "" {
		return fmt.Errorf("relay.listen-address must be set")
	}
	if _, _, err := net.SplitHostPort(r.ListenAddress); err != nil {
		return fmt.Errorf("relay.listen-address is invalid: %w", err)
	}
	if r.TokenTTL <= 0 || r.ProofTTL <= 0 || r.AcceptTimeout <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	if r.ProofTTL > r.TokenTTL {
		return fmt.Errorf("relay.proof-ttl must not exceed relay.token-ttl")
	}
	return nil
}

// ServerOptions returns the relay server options.
func (r RelayOptions) ServerOptions() relay.ServerOptions {
	return relay.ServerOptions{
		ListenAddress: r.ListenAddress,
		TokenTTL:      r.TokenTTL,
		ProofTTL:      r.ProofTTL,
		AcceptTimeout: r.AcceptTimeout,
	}
}
