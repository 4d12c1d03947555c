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

// Package monitor correlates outgoing requests with their asynchronous
// results or timeouts.
package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/webmeshproj/peerlink/pkg/clock"
	"github.com/webmeshproj/peerlink/pkg/message"
)

// ErrTimeout is passed to the handler when no result arrived in time.
var ErrTimeout = errors.New("request timed out")

// Handler receives exactly one of a result or an error. It is called
// without any monitor lock held.
type Handler func(m *Monitor, result *message.Envelope, err error)

// Registry tracks outstanding monitors by request id.
type Registry struct {
	clock    clock.Clock
	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRegistry returns an empty registry using the given clock for timeouts.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{clock: c, monitors: make(map[string]*Monitor)}
}

// Monitor is a pending request.
type Monitor struct {
	reg     *Registry
	id      string
	method  message.Method
	handler Handler
	timer   clock.Timer
	done    bool
}

// Monitor starts watching for the result of req. A zero timeout means the
// monitor waits until a result arrives, it is cancelled, or Timeout is
// called explicitly.
func (r *Registry) Monitor(req *message.Envelope, timeout time.Duration, h Handler) *Monitor {
	m := &Monitor{reg: r, id: req.ID, method: req.Method, handler: h}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[m.id] = m
	if timeout > 0 {
		m.timer = r.clock.AfterFunc(timeout, m.Timeout)
	}
	return m
}

// Deliver routes a result to its monitor. It returns false when no
// monitor is waiting for it.
func (r *Registry) Deliver(res *message.Envelope) bool {
	if res.Kind != message.KindResult {
		return false
	}
	r.mu.Lock()
	m, ok := r.monitors[res.ID]
	if !ok || m.method != res.Method {
		r.mu.Unlock()
		return false
	}
	if !m.finishLocked() {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	m.handler(m, res, nil)
	return true
}

// Pending returns the number of outstanding monitors.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// CancelAll cancels every outstanding monitor without calling handlers.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		m.finishLocked()
	}
}

// ID returns the id of the monitored request.
func (m *Monitor) ID() string { return m.id }

// IsComplete reports whether the monitor received a result, timed out or
// was cancelled.
func (m *Monitor) IsComplete() bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.done
}

// Cancel stops the monitor. The handler will not be called.
func (m *Monitor) Cancel() {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	m.finishLocked()
}

// Timeout completes the monitor with ErrTimeout, as if its own timer had
// fired.
func (m *Monitor) Timeout() {
	m.reg.mu.Lock()
	if !m.finishLocked() {
		m.reg.mu.Unlock()
		return
	}
	m.reg.mu.Unlock()
	m.handler(m, nil, ErrTimeout)
}

func (m *Monitor) finishLocked() bool {
	if m.done {
		return false
	}
	m.done = true
	if m.timer != nil {
		m.timer.Stop()
	}
	delete(m.reg.monitors, m.id)
	return true
}
