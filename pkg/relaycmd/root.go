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

// Package relaycmd contains the peerlink-relay command.
package relaycmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/webmeshproj/peerlink/pkg/config"
	"github.com/webmeshproj/peerlink/pkg/context"
)

// ConfigEnvVar names a configuration file when --config is not given.
const ConfigEnvVar = "PEERLINK_CONFIG"

// Execute runs the root command with the process arguments.
func Execute(ctx context.Context) error {
	cmd, err := NewRootCommand(os.Args[1:])
	if err != nil {
		return err
	}
	return cmd.ExecuteContext(ctx)
}

// NewRootCommand returns the root command for the given arguments. The
// configuration file is loaded before the flags are bound, so flags set
// on the command line take precedence over it.
func NewRootCommand(args []string) (*cobra.Command, error) {
	opts := config.NewDefaultOptions()
	opts.Relay.Enabled = true
	path := configPath(args)
	if path != "" {
		if err := opts.LoadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	root := &cobra.Command{
		Use:           "peerlink-relay",
		Short:         "peerlink-relay runs the finder relay and TURN servers peer locations fall back to",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	fs := root.PersistentFlags()
	opts.Global.BindFlags("", fs)
	opts.Relay.BindFlags("relay.", fs)
	opts.TURN.BindFlags("turn.", fs)
	opts.Metrics.BindFlags("metrics.", fs)
	fs.StringP("config", "c", path, "Path to a YAML, JSON or TOML configuration file.")
	root.AddCommand(newVersionCommand(), newConfigCommand(opts))
	root.SetArgs(args)
	return root, nil
}

// configPath finds the configuration file in args or the environment.
func configPath(args []string) string {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.StringP("config", "c", os.Getenv(ConfigEnvVar), "")
	_ = fs.Parse(args)
	return *path
}
