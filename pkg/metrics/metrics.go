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

// Package metrics contains the Prometheus collectors of peerlink and the
// HTTP server that exposes them.
package metrics

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webmeshproj/peerlink/pkg/context"
)

// Session metrics
var (
	// SessionStates tracks the number of peer location sessions by state.
	SessionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peerlink",
		Name:      "sessions",
		Help:      "The current number of peer location sessions by state.",
	}, []string{"state"})

	// SessionShutdownsTotal counts sessions that ended, by error code.
	SessionShutdownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerlink",
		Name:      "session_shutdowns_total",
		Help:      "Total peer location sessions shut down, by error code.",
	}, []string{"code"})

	// MessagesSentTotal counts messages written to a peer, by path.
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerlink",
		Name:      "messages_sent_total",
		Help:      "Total messages sent to peer locations, by transport path.",
	}, []string{"path"})

	// ChannelMapRejectionsTotal counts rejected channel map notifications.
	ChannelMapRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerlink",
		Name:      "channel_map_rejections_total",
		Help:      "Total channel map notifications rejected, by reason.",
	}, []string{"reason"})
)

// Relay server metrics
var (
	// RelayListeners tracks the locations listening on the relay server.
	RelayListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerlink",
		Name:      "relay_listeners",
		Help:      "The current number of listening relay locations.",
	})

	// RelayChannels tracks the active relay channels.
	RelayChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerlink",
		Name:      "relay_channels",
		Help:      "The current number of spliced relay channels.",
	})

	// RelayBytesTotal counts bytes copied between relay legs.
	RelayBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerlink",
		Name:      "relay_bytes_total",
		Help:      "Total bytes copied between relay channel legs.",
	})
)

// DefaultListenAddress is the default listen address for the metrics server.
const DefaultListenAddress = "[::]:8080"

// DefaultPath is the default path for the metrics server.
const DefaultPath = "/metrics"

// Options contains the configuration for exposing metrics.
type Options struct {
	// ListenAddress is the address to start the metrics server on.
	ListenAddress string
	// Path is the path to expose metrics on.
	Path string
}

// Server is the metrics server.
type Server struct {
	Options
	srv *http.Server
	log *slog.Logger
}

// New returns a new metrics server.
func New(ctx context.Context, o Options) *Server {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultListenAddress
	}
	s := &Server{
		Options: o,
		log:     context.LoggerFrom(ctx),
	}
	s.srv = &http.Server{
		Addr:    s.ListenAddress,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the HTTP handler serving the metrics path.
func (s *Server) Handler() http.Handler {
	metrics := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.Path {
			metrics.ServeHTTP(w, r)
		} else {
			http.NotFound(w, r)
		}
	})
}

// ListenAndServe starts the server and blocks until the server exits.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves metrics on the listener until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("Starting Prometheus metrics server", slog.String("listen_address", ln.Addr().String()), slog.String("path", s.Path))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("metrics server failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Shutdown attempts to stop the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	context.LoggerFrom(ctx).Info("Shutting down Prometheus metrics server")
	return s.srv.Shutdown(ctx)
}
