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

// Package turn contains the STUN/TURN server that gives ICE sockets
// server reflexive and relayed candidates.
package turn

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/pion/turn/v2"

	"github.com/webmeshproj/peerlink/pkg/logging"
)

const (
	// DefaultListenAddress is the default UDP address for STUN/TURN requests.
	DefaultListenAddress = "[::]:3478"
	// DefaultRelayAddress is the default bind address for relayed traffic.
	DefaultRelayAddress = "0.0.0.0"
	// DefaultPortRange is the default range of relay ports.
	DefaultPortRange = "49152-65535"
	// DefaultRealm is the default authentication realm.
	DefaultRealm = "peerlink"
)

// Options contains the options for the TURN server.
type Options struct {
	// PublicIP is the public IP address of the TURN server. This is used for relaying.
	PublicIP string
	// RelayAddressUDP is the binding address the TURN server uses for request handling and STUN relays.
	RelayAddressUDP string
	// ListenUDP is the address the TURN server listens on for UDP requests.
	ListenUDP string
	// Realm is the realm used for authentication.
	Realm string
	// PortRange is the range of ports the TURN server will use for relaying.
	PortRange string
	// Credentials maps usernames to passwords. When empty any username
	// is accepted.
	Credentials map[string]string
	// Logger is the server logger.
	Logger *slog.Logger
}

// Server is a TURN server.
type Server struct {
	*turn.Server
	conn net.PacketConn
	log  *slog.Logger
}

// NewServer creates and starts a new TURN server.
func NewServer(o Options) (*Server, error) {
	if o.PortRange == "" {
		o.PortRange = DefaultPortRange
	}
	if o.RelayAddressUDP == "" {
		o.RelayAddressUDP = DefaultRelayAddress
	}
	if o.Realm == "" {
		o.Realm = DefaultRealm
	}
	startPort, endPort, err := ParsePortRange(o.PortRange)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port range: %w", err)
	}
	if o.ListenUDP == "" {
		return nil, fmt.Errorf("listen port UDP must be set")
	}
	relayIP := net.ParseIP(o.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("invalid public ip %q", o.PublicIP)
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "turn-server")
	udpConn, err := net.ListenPacket("udp", o.ListenUDP)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	log.Info("Listening for STUN requests", slog.String("listen-addr", udpConn.LocalAddr().String()))
	keys := make(map[string][]byte, len(o.Credentials))
	for user, pass := range o.Credentials {
		keys[user] = turn.GenerateAuthKey(user, o.Realm, pass)
	}
	s, err := turn.NewServer(turn.ServerConfig{
		Realm:         o.Realm,
		LoggerFactory: logging.NewPionLoggerFactory(log.With("server", "turn")),
		AuthHandler: func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
			if len(keys) == 0 {
				return turn.GenerateAuthKey(username, realm, ""), true
			}
			key, ok := keys[username]
			if !ok {
				log.Debug("Rejecting unknown TURN user", slog.String("user", username), slog.String("remote", srcAddr.String()))
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpConn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: relayIP,
					Address:      o.RelayAddressUDP,
					MinPort:      uint16(startPort),
					MaxPort:      uint16(endPort),
				},
			},
		},
	})
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}
	return &Server{Server: s, conn: udpConn, log: log}, nil
}

// ListenPort returns the UDP port the TURN server is listening on.
func (s *Server) ListenPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// URL returns the turn: URL clients use to reach this server through
// the given host.
func (s *Server) URL(host string) string {
	return fmt.Sprintf("turn:%s", net.JoinHostPort(host, strconv.Itoa(s.ListenPort())))
}

// Close stops the server.
func (s *Server) Close() error {
	s.log.Info("Shutting down TURN server")
	return s.Server.Close()
}

// ParsePortRange parses a port range of the form "start-end" or a
// single port.
func ParsePortRange(s string) (start int, end int, err error) {
	spl := strings.Split(s, "-")
	if len(spl) > 2 {
		return 0, 0, fmt.Errorf("invalid port range: %s", s)
	}
	start, err = strconv.Atoi(spl[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range: %s", s)
	}
	end = start
	if len(spl) == 2 {
		end, err = strconv.Atoi(spl[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range: %s", s)
		}
	}
	if start <= 0 || end > 65535 || start > end {
		return 0, 0, fmt.Errorf("invalid port range: %s", s)
	}
	return start, end, nil
}
