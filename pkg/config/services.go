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
	"net/netip"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/turn"
)

// TURNOptions are the options for the TURN server.
type TURNOptions struct {
	// Enabled enables the TURN server.
	Enabled bool `yaml:"enabled,omitempty"`
	// PublicIP is the address advertised for STUN/TURN requests.
	PublicIP string `yaml:"public-ip,omitempty"`
	// DetectPublicIP detects the public IP at startup when PublicIP is unset.
	DetectPublicIP bool `yaml:"detect-public-ip,omitempty"`
	// ListenAddress is the address to listen on for STUN/TURN connections.
	ListenAddress string `yaml:"listen-address,omitempty"`
	// RelayAddress is the local address relays are bound to.
	RelayAddress string `yaml:"relay-address,omitempty"`
	// Realm is the realm used for TURN server authentication.
	Realm string `yaml:"realm,omitempty"`
	// PortRange is the port range to use for allocating TURN relays.
	PortRange string `yaml:"port-range,omitempty"`
	// Credentials maps TURN usernames to passwords.
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// NewTURNOptions returns a new TURNOptions with the default values.
func NewTURNOptions() TURNOptions {
	return TURNOptions{
		Enabled:       false,
		PublicIP:      "",
		ListenAddress: turn.DefaultListenAddress,
		RelayAddress:  turn.DefaultRelayAddress,
		Realm:         turn.DefaultRealm,
		PortRange:     turn.DefaultPortRange,
	}
}

// BindFlags binds the flags.
func (t *TURNOptions) BindFlags(prefix string, fl *pflag.FlagSet) {
	fl.BoolVar(&t.Enabled, prefix+"enabled", t.Enabled, "Enable TURN server.")
	fl.StringVar(&t.PublicIP, prefix+"public-ip", t.PublicIP, "Public IP to advertise for STUN/TURN requests.")
	fl.BoolVar(&t.DetectPublicIP, prefix+"detect-public-ip", t.DetectPublicIP, "Detect the public IP when public-ip is not set.")
	fl.StringVar(&t.ListenAddress, prefix+"listen-address", t.ListenAddress, "Address to listen on for STUN/TURN requests.")
	fl.StringVar(&t.RelayAddress, prefix+"relay-address", t.RelayAddress, "Local address TURN relays are bound to.")
	fl.StringVar(&t.Realm, prefix+"realm", t.Realm, "Realm used for TURN server authentication.")
	fl.StringVar(&t.PortRange, prefix+"port-range", t.PortRange, "Port range to use for TURN relays.")
	fl.StringToStringVar(&t.Credentials, prefix+"credentials", t.Credentials, "TURN usernames and passwords (user=pass).")
}

// Validate values the TURN options.
func (t TURNOptions) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.ListenAddress == "" {
		return fmt.Errorf("turn.listen-address must be set")
	} else {
		_, _, err := net.SplitHostPort(t.ListenAddress)
		if err != nil {
			return fmt.Errorf("turn.listen-address is invalid: %w", err)
		}
	}
	if t.PublicIP == "" && !t.DetectPublicIP {
		return fmt.Errorf("turn.public-ip must be set")
	}
	if t.PublicIP != "" {
		_, err := netip.ParseAddr(t.PublicIP)
		if err != nil {
			return fmt.Errorf("turn.public-ip is invalid: %w", err)
		}
	}
	_, _, err := turn.ParsePortRange(t.PortRange)
	if err != nil {
		return fmt.Errorf("turn.port-range is invalid: %w", err)
	}
	return nil
}

// ListenPort returns the listen port for this TURN configuration. or 0
// if not enabled or invalid.
func (t TURNOptions) ListenPort() uint16 {
	if !t.Enabled {
		return 0
	}
	_, port, err := net.SplitHostPort(t.ListenAddress)
	if err != nil {
		return 0
	}
	out, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return uint16(out)
}

// ServerOptions returns the TURN server options.
func (t TURNOptions) ServerOptions(log *slog.Logger) turn.Options {
	return turn.Options{
		PublicIP:        t.PublicIP,
		RelayAddressUDP: t.RelayAddress,
		ListenUDP:       t.ListenAddress,
		Realm:           t.Realm,
		PortRange:       t.PortRange,
		Credentials:     t.Credentials,
		Logger:          log,
	}
}

// MetricsOptions are the options for the metrics server.
type MetricsOptions struct {
	// Enabled is true if metrics should be enabled.
	Enabled bool `yaml:"enabled,omitempty"`
	// ListenAddress is the address to listen on for metrics.
	ListenAddress string `yaml:"listen-address,omitempty"`
	// Path is the path to serve metrics on.
	Path string `yaml:"path,omitempty"`
}

// NewMetricsOptions returns a new MetricsOptions with the default values.
func NewMetricsOptions() MetricsOptions {
	return MetricsOptions{
		Enabled:       false,
		ListenAddress: metrics.DefaultListenAddress,
		Path:          metrics.DefaultPath,
	}
}

// BindFlags binds the flags.
func (m *MetricsOptions) BindFlags(prefix string, fl *pflag.FlagSet) {
	fl.BoolVar(&m.Enabled, prefix+"enabled", m.Enabled, "Enable the metrics server.")
	fl.StringVar(&m.ListenAddress, prefix+"listen-address", m.ListenAddress, "Metrics listen address.")
	fl.StringVar(&m.Path, prefix+"path", m.Path, "Metrics path.")
}

// Validate validates the options.
func (m MetricsOptions) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.ListenAddress == "" {
		return fmt.Errorf("metrics.listen-address must be set")
	}
	_, _, err := net.SplitHostPort(m.ListenAddress)
	if err != nil {
		return fmt.Errorf("metrics.listen-address is invalid: %w", err)
	}
	return nil
}

// ServerOptions returns the metrics server options.
func (m MetricsOptions) ServerOptions() metrics.Options {
	return metrics.Options{ListenAddress: m.ListenAddress, Path: m.Path}
}
