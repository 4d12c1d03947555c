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

package relaycmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/webmeshproj/peerlink/pkg/config"
	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/logging"
	"github.com/webmeshproj/peerlink/pkg/metrics"
	"github.com/webmeshproj/peerlink/pkg/net/endpoints"
	"github.com/webmeshproj/peerlink/pkg/net/relay"
	"github.com/webmeshproj/peerlink/pkg/turn"
	"github.com/webmeshproj/peerlink/pkg/version"
)

// ShutdownTimeout bounds how long servers get to stop.
const ShutdownTimeout = 10 * time.Second

// ErrNothingToServe is returned when every server is disabled.
var ErrNothingToServe = errors.New("neither the relay nor the TURN server is enabled")

func serve(ctx context.Context, opts *config.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if !opts.Relay.Enabled && !opts.TURN.Enabled {
		return ErrNothingToServe
	}
	log := logging.SetupLogging(opts.Global.LogLevel)
	ctx = context.WithLogger(ctx, log)
	info := version.GetBuildInfo()
	log.Info("Starting peerlink relay",
		slog.String("version", info.Version),
		slog.String("commit", info.GitCommit),
		slog.String("build-date", info.BuildDate),
	)

	var shutdowns []func(context.Context) error
	g, ctx := errgroup.WithContext(ctx)
	if opts.TURN.Enabled {
		if opts.TURN.PublicIP == "" {
			addrs, err := endpoints.DetectPublicAddresses(ctx)
			if err != nil {
				return fmt.Errorf("detect public ip: %w", err)
			}
			opts.TURN.PublicIP = addrs.Preferred().String()
			log.Info("Detected public IP for TURN", slog.String("public-ip", opts.TURN.PublicIP))
		}
		srv, err := turn.NewServer(opts.TURN.ServerOptions(log))
		if err != nil {
			return err
		}
		shutdowns = append(shutdowns, func(context.Context) error { return srv.Close() })
	}
	if opts.Relay.Enabled {
		srv := relay.NewServer(ctx, opts.Relay.ServerOptions())
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
		shutdowns = append(shutdowns, srv.Shutdown)
	}
	if opts.Metrics.Enabled {
		srv := metrics.New(ctx, opts.Metrics.ServerOptions())
		g.Go(srv.ListenAndServe)
		shutdowns = append(shutdowns, srv.Shutdown)
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.WithLogger(context.Background(), log), ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, shutdown := range shutdowns {
			if err := shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
