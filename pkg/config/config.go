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

// Package config contains configuration options for peerlink nodes and
// the relay server.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Options are the options for a peerlink process.
type Options struct {
	// Global are the global options.
	Global GlobalOptions `yaml:"global,omitempty"`
	// Timing are the peer location session timings.
	Timing TimingOptions `yaml:"timing,omitempty"`
	// ICE are the ICE socket options.
	ICE ICEOptions `yaml:"ice,omitempty"`
	// DNS are the SRV resolver options.
	DNS DNSOptions `yaml:"dns,omitempty"`
	// NonceCache are the replay cache options.
	NonceCache NonceCacheOptions `yaml:"nonce-cache,omitempty"`
	// Relay are the finder relay server options.
	Relay RelayOptions `yaml:"relay,omitempty"`
	// TURN are the TURN server options.
	TURN TURNOptions `yaml:"turn,omitempty"`
	// Metrics are the metrics server options.
	Metrics MetricsOptions `yaml:"metrics,omitempty"`
}

// NewDefaultOptions returns new options with the default values.
func NewDefaultOptions() *Options {
	return &Options{
		Global:     NewGlobalOptions(),
		Timing:     NewTimingOptions(),
		ICE:        NewICEOptions(),
		DNS:        NewDNSOptions(),
		NonceCache: NewNonceCacheOptions(),
		Relay:      NewRelayOptions(),
		TURN:       NewTURNOptions(),
		Metrics:    NewMetricsOptions(),
	}
}

// BindFlags binds the flags to the options.
func (o *Options) BindFlags(prefix string, fs *pflag.FlagSet) *Options {
	o.Global.BindFlags(prefix, fs)
	o.Timing.BindFlags(prefix+"timing.", fs)
	o.ICE.BindFlags(prefix+"ice.", fs)
	o.DNS.BindFlags(prefix+"dns.", fs)
	o.NonceCache.BindFlags(prefix+"nonce-cache.", fs)
	o.Relay.BindFlags(prefix+"relay.", fs)
	o.TURN.BindFlags(prefix+"turn.", fs)
	o.Metrics.BindFlags(prefix+"metrics.", fs)
	return o
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o == nil {
		return fmt.Errorf("options are nil")
	}
	if err := o.Global.Validate(); err != nil {
		return fmt.Errorf("invalid global options: %w", err)
	}
	if err := o.Timing.Validate(); err != nil {
		return fmt.Errorf("invalid timing options: %w", err)
	}
	if err := o.ICE.Validate(); err != nil {
		return fmt.Errorf("invalid ice options: %w", err)
	}
	if err := o.DNS.Validate(); err != nil {
		return fmt.Errorf("invalid dns options: %w", err)
	}
	if err := o.NonceCache.Validate(); err != nil {
		return fmt.Errorf("invalid nonce cache options: %w", err)
	}
	if err := o.Relay.Validate(); err != nil {
		return fmt.Errorf("invalid relay options: %w", err)
	}
	if err := o.TURN.Validate(); err != nil {
		return fmt.Errorf("invalid turn options: %w", err)
	}
	if err := o.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics options: %w", err)
	}
	return nil
}

// LoadFile overlays the file at path onto the options. Files ending in
// .toml are decoded as TOML, anything else as YAML, which includes JSON.
func (o *Options) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return o.LoadTOML(f)
	}
	return o.Load(f)
}

// LoadTOML overlays TOML from r onto the options. Keys are the same as
// in the YAML form.
func (o *Options) LoadTOML(r io.Reader) error {
	var doc map[string]any
	if err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert toml config: %w", err)
	}
	return o.Load(bytes.NewReader(data))
}

// Load overlays YAML from r onto the options. Unknown keys are an error.
func (o *Options) Load(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Marshal returns the options as a YAML document.
func (o *Options) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(o); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
