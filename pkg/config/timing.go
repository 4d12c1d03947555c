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
	"time"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/peerlink/pkg/net/ice"
	"github.com/webmeshproj/peerlink/pkg/peerlocation"
)

// TimingOptions are the timers of peer location sessions.
type TimingOptions struct {
	// FindTimeout bounds the wait for a find exchange to produce a connection.
	FindTimeout time.Duration `yaml:"find-timeout,omitempty"`
	// KeepAliveTimeout bounds the wait for a keep alive result.
	KeepAliveTimeout time.Duration `yaml:"keep-alive-timeout,omitempty"`
	// IdentifyTimeout bounds the wait for an identify result.
	IdentifyTimeout time.Duration `yaml:"identify-timeout,omitempty"`
	// ICEKeepAliveInterval is the interval of ICE keep alive indications.
	ICEKeepAliveInterval time.Duration `yaml:"ice-keep-alive-interval,omitempty"`
	// ExpectSessionDataInterval is how long an ICE session may be silent
	// before it is considered disconnected.
	ExpectSessionDataInterval time.Duration `yaml:"expect-session-data-interval,omitempty"`
	// BackgroundingTimeout is how long a silent ICE session survives
	// before it fails. It must exceed ExpectSessionDataInterval.
	BackgroundingTimeout time.Duration `yaml:"backgrounding-timeout,omitempty"`
	// MinConnectedBeforeRefind is how long an identified session must
	// have existed before a refind is allowed unconditionally.
	MinConnectedBeforeRefind time.Duration `yaml:"min-connected-before-refind,omitempty"`
	// ShutdownTimeout bounds the graceful phase of a session shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout,omitempty"`
}

// NewTimingOptions returns new TimingOptions with the default values.
func NewTimingOptions() TimingOptions {
	d := peerlocation.DefaultTiming()
	return TimingOptions{
		FindTimeout:               d.FindTimeout,
		KeepAliveTimeout:          d.KeepAliveTimeout,
		IdentifyTimeout:           d.IdentifyTimeout,
		ICEKeepAliveInterval:      ice.DefaultKeepAliveInterval,
		ExpectSessionDataInterval: ice.DefaultDisconnectedTimeout,
		BackgroundingTimeout:      ice.DefaultDisconnectedTimeout + ice.DefaultFailedTimeout,
		MinConnectedBeforeRefind:  d.MinConnectedBeforeRefind,
		ShutdownTimeout:           d.ShutdownTimeout,
	}
}

// BindFlags binds the flags.
func (t *TimingOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.DurationVar(&t.FindTimeout, prefix+"find-timeout", t.FindTimeout, "Timeout for a find exchange to produce a connection.")
	fs.DurationVar(&t.KeepAliveTimeout, prefix+"keep-alive-timeout", t.KeepAliveTimeout, "Timeout for keep alive results.")
	fs.DurationVar(&t.IdentifyTimeout, prefix+"identify-timeout", t.IdentifyTimeout, "Timeout for identify results.")
	fs.DurationVar(&t.ICEKeepAliveInterval, prefix+"ice-keep-alive-interval", t.ICEKeepAliveInterval, "Interval of ICE keep alive indications.")
	fs.DurationVar(&t.ExpectSessionDataInterval, prefix+"expect-session-data-interval", t.ExpectSessionDataInterval, "Silence after which an ICE session is disconnected.")
	fs.DurationVar(&t.BackgroundingTimeout, prefix+"backgrounding-timeout", t.BackgroundingTimeout, "Silence after which an ICE session fails.")
	fs.DurationVar(&t.MinConnectedBeforeRefind, prefix+"min-connected-before-refind", t.MinConnectedBeforeRefind, "Minimum identified time before a refind is allowed.")
	fs.DurationVar(&t.ShutdownTimeout, prefix+"shutdown-timeout", t.ShutdownTimeout, "Timeout of the graceful session shutdown.")
}

// Validate validates the options.
func (t TimingOptions) Validate() error {
	for name, d := range map[string]time.Duration{
		"find-timeout":                 t.FindTimeout,
		"keep-alive-timeout":           t.KeepAliveTimeout,
		"identify-timeout":             t.IdentifyTimeout,
		"ice-keep-alive-interval":      t.ICEKeepAliveInterval,
		"expect-session-data-interval": t.ExpectSessionDataInterval,
		"backgrounding-timeout":        t.BackgroundingTimeout,
		"shutdown-timeout":             t.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("timing.%s must be positive", name)
		}
	}
	if t.MinConnectedBeforeRefind < 0 {
		return fmt.Errorf("timing.min-connected-before-refind must not be negative")
	}
	if t.BackgroundingTimeout <= t.ExpectSessionDataInterval {
		return fmt.Errorf("timing.backgrounding-timeout must exceed timing.expect-session-data-interval")
	}
	if t.ICEKeepAliveInterval >= t.ExpectSessionDataInterval {
		return fmt.Errorf("timing.ice-keep-alive-interval must be shorter than timing.expect-session-data-interval")
	}
	return nil
}

// SessionTiming returns the timings for peer location sessions.
func (t TimingOptions) SessionTiming() peerlocation.Timing {
	return peerlocation.Timing{
		FindTimeout:              t.FindTimeout,
		KeepAliveTimeout:         t.KeepAliveTimeout,
		IdentifyTimeout:          t.IdentifyTimeout,
		MinConnectedBeforeRefind: t.MinConnectedBeforeRefind,
		ShutdownTimeout:          t.ShutdownTimeout,
	}
}
