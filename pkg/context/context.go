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

// Package context wraps the standard context package with the values
// peerlink components pass along: the logger and the relay channel a
// connection belongs to.
package context

import (
	"context"
	"log/slog"
	"time"
)

// Context is an alias to context.Context.
type Context = context.Context

// CancelFunc is an alias to context.CancelFunc.
type CancelFunc = context.CancelFunc

// Background returns a background context.
func Background() Context {
	return context.Background()
}

// WithTimeout returns a context with the given timeout.
func WithTimeout(ctx Context, timeout time.Duration) (Context, CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// WithCancel returns a cancelable copy of ctx.
func WithCancel(ctx Context) (Context, CancelFunc) {
	return context.WithCancel(ctx)
}

type logContextKey struct{}

// WithLogger returns a context with the given logger set.
func WithLogger(ctx Context, logger *slog.Logger) Context {
	return context.WithValue(ctx, logContextKey{}, logger)
}

// LoggerFrom returns the logger from the context. If no logger is set, the
// default logger is returned.
func LoggerFrom(ctx Context) *slog.Logger {
	logger, ok := ctx.Value(logContextKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return logger
}

type relayChannelKey struct{}

// WithRelayChannel returns a context tagged with a relay channel number.
// Channel zero is never allocated and leaves ctx untouched.
func WithRelayChannel(ctx Context, channel uint32) Context {
	if channel == 0 {
		return ctx
	}
	return context.WithValue(ctx, relayChannelKey{}, channel)
}

// RelayChannelFrom returns the relay channel the context was tagged with.
func RelayChannelFrom(ctx Context) (uint32, bool) {
	channel, ok := ctx.Value(relayChannelKey{}).(uint32)
	return channel, ok
}
