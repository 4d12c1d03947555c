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

// Package rudp provides the reliable transport layered on a negotiated ICE
// connection: an SCTP association carrying one reliable, ordered data
// channel.
package rudp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/sctp"

	"github.com/webmeshproj/peerlink/pkg/logging"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// Label is the label of the peer data channel.
const Label = "peerlink"

// StreamID is the SCTP stream of the peer data channel.
const StreamID uint16 = 1

// ErrClosed is returned by a closed transport stream.
var ErrClosed = errors.New("reliable transport is closed")

// Factory creates reliable transports. It implements
// transport.TransportFactory.
type Factory struct {
	Logger *slog.Logger
}

// Open implements transport.TransportFactory.
func (f *Factory) Open(conn net.Conn, initiator bool, notify transport.Notify) (transport.Transport, error) {
	if conn == nil {
		return nil, errors.New("rudp: nil connection")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		conn:      conn,
		initiator: initiator,
		notify:    notify,
		log:       log.With("component", "rudp", "initiator", initiator),
		state:     transport.StatePending,
	}
	go t.connect()
	return t, nil
}

// Transport is an SCTP association with one data channel.
type Transport struct {
	conn      net.Conn
	initiator bool
	notify    transport.Notify
	log       *slog.Logger

	mu     sync.Mutex
	state  transport.State
	assoc  *sctp.Association
	dc     *datachannel.DataChannel
	stream *stream
	err    error
}

func (t *Transport) connect() {
	factory := logging.NewPionLoggerFactory(t.log)
	config := sctp.Config{
		NetConn:       t.conn,
		LoggerFactory: factory,
	}
	var assoc *sctp.Association
	var err error
	if t.initiator {
		assoc, err = sctp.Client(config)
	} else {
		assoc, err = sctp.Server(config)
	}
	if err != nil {
		t.fail(fmt.Errorf("sctp association: %w", err))
		return
	}
	if !t.setAssociation(assoc) {
		_ = assoc.Close()
		return
	}
	dcConfig := &datachannel.Config{
		ChannelType:   datachannel.ChannelTypeReliable,
		Label:         Label,
		LoggerFactory: factory,
	}
	var dc *datachannel.DataChannel
	if t.initiator {
		dc, err = datachannel.Dial(assoc, StreamID, dcConfig)
	} else {
		dc, err = datachannel.Accept(assoc, dcConfig)
	}
	if err != nil {
		t.fail(fmt.Errorf("data channel: %w", err))
		return
	}
	t.mu.Lock()
	if t.state != transport.StatePending {
		t.mu.Unlock()
		_ = dc.Close()
		return
	}
	t.dc = dc
	t.stream = &stream{t: t, dc: dc}
	t.state = transport.StateReady
	t.mu.Unlock()
	t.log.Debug("Reliable transport connected", slog.String("label", dc.Config.Label))
	t.notify(t)
}

func (t *Transport) setAssociation(assoc *sctp.Association) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != transport.StatePending {
		return false
	}
	t.assoc = assoc
	return true
}

// State implements transport.Transport.
func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that shut the transport down.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Stream implements transport.Transport.
func (t *Transport) Stream() io.ReadWriteCloser {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return nil
	}
	return t.stream
}

// Shutdown implements transport.Transport. The data channel and the
// association are closed in the background.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if t.state.IsDone() {
		t.mu.Unlock()
		return
	}
	t.state = transport.StateShuttingDown
	t.mu.Unlock()
	t.notify(t)
	go t.fail(ErrClosed)
}

// Cancel implements transport.Transport.
func (t *Transport) Cancel() {
	t.fail(ErrClosed)
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state == transport.StateShutdown {
		t.mu.Unlock()
		return
	}
	t.state = transport.StateShutdown
	t.err = err
	dc, assoc := t.dc, t.assoc
	t.mu.Unlock()
	if !errors.Is(err, ErrClosed) {
		t.log.Debug("Reliable transport shut down", slog.String("error", err.Error()))
	}
	if dc != nil {
		_ = dc.Close()
	}
	if assoc != nil {
		_ = assoc.Close()
	}
	t.notify(t)
}

// stream is the data channel as seen by the security channel. Read errors
// shut the transport down.
type stream struct {
	t  *Transport
	dc *datachannel.DataChannel
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.dc.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.t.fail(ErrClosed)
		} else {
			s.t.fail(fmt.Errorf("read data channel: %w", err))
		}
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.dc.Write(p)
	if err != nil {
		s.t.fail(fmt.Errorf("write data channel: %w", err))
	}
	return n, err
}

func (s *stream) Close() error {
	s.t.fail(ErrClosed)
	return nil
}
