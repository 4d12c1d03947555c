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
	"time"

	"github.com/spf13/pflag"

	"github.com/webmeshproj/peerlink/pkg/noncecache"
)

// NonceCacheOptions are the options for the channel map replay cache.
type NonceCacheOptions struct {
	// InMemory keeps the cache in memory only.
	InMemory bool `yaml:"in-memory,omitempty"`
	// Path is the directory of the on-disk cache.
	Path string `yaml:"path,omitempty"`
	// TTL is how long seen nonces are remembered.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// NewNonceCacheOptions returns new NonceCacheOptions with the default values.
func NewNonceCacheOptions() NonceCacheOptions {
	return NonceCacheOptions{
		InMemory: true,
		TTL:      noncecache.DefaultTTL,
	}
}

// BindFlags binds the flags.
func (n *NonceCacheOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&n.InMemory, prefix+"in-memory", n.InMemory, "Keep the nonce cache in memory.")
	fs.StringVar(&n.Path, prefix+"path", n.Path, "Directory of the on-disk nonce cache.")
	fs.DurationVar(&n.TTL, prefix+"ttl", n.TTL, "How long seen nonces are remembered.")
}

// Validate validates the options.
func (n NonceCacheOptions) Validate() error {
	if !n.InMemory && n.Path == "" {
		return fmt.Errorf("nonce-cache.path must be set when not in memory")
	}
	if n.TTL <= 0 {
		return fmt.Errorf("nonce-cache.ttl must be positive")
	}
	return nil
}

// NewCache opens the nonce cache.
func (n NonceCacheOptions) NewCache(log *slog.Logger) (*noncecache.Cache, error) {
	return noncecache.New(noncecache.Options{
		InMemory: n.InMemory,
		DiskPath: n.Path,
		TTL:      n.TTL,
		Logger:   log,
	})
}
