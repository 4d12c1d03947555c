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
	"strings"

	"github.com/spf13/pflag"
)

// GlobalOptions are options shared by every component.
type GlobalOptions struct {
	// LogLevel is the log level.
	LogLevel string `yaml:"log-level,omitempty"`
}

// NewGlobalOptions returns new GlobalOptions with the default values.
func NewGlobalOptions() GlobalOptions {
	return GlobalOptions{LogLevel: "info"}
}

// BindFlags binds the flags.
func (g *GlobalOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&g.LogLevel, prefix+"log-level", g.LogLevel, "Log level (debug, info, warn, error, silent).")
}

// Validate validates the options.
func (g GlobalOptions) Validate() error {
	switch strings.ToLower(g.LogLevel) {
	case "", "debug", "info", "warn", "error", "silent":
		return nil
	}
	return fmt.Errorf("log-level %q is invalid", g.LogLevel)
}
