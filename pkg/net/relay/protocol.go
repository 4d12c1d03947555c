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

// Package relay implements finder relay channels: server mediated
// fallback paths between two peer locations. A location listens on a relay
// server and advertises the token it is issued in a relay candidate. A
// remote location dials the server with that token, the server announces
// the new channel to the listener with a signed single-use proof, and once
// the listener accepts the channel the two legs are spliced. Payloads are
// encrypted end to end with keys derived from both sides' DH keys.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/message"
	"github.com/webmeshproj/peerlink/pkg/secure"
)

// Info is the HKDF info string of relay channel keys.
const Info = "peerlink relay channel v1"

// SRVService is the service name of relay SRV records.
const SRVService = "finder-relay"

// Errors returned by relay clients and the server.
var (
	ErrUnknownToken   = errors.New("unknown relay token")
	ErrUnknownChannel = errors.New("unknown relay channel")
	ErrAcceptTimeout  = errors.New("relay channel was not accepted in time")
	ErrProtocol       = errors.New("relay protocol error")
	ErrNotReady       = errors.New("relay channel is not ready")
	ErrClosed         = errors.New("relay channel is closed")
	ErrKeyMismatch    = errors.New("relay peer DH key does not match pinned key")
)

type op string

const (
	opListen     op = "listen"
	opToken      op = "token"
	opDial       op = "dial"
	opAccept     op = "accept"
	opConnected  op = "connected"
	opChannelMap op = "channel-map"
	opPing       op = "ping"
	opError      op = "error"
)

// frame is a relay control message.
type frame struct {
	Op            op                        `json:"op"`
	LocationID    string                    `json:"locationID,omitempty"`
	Token         *candidate.Token          `json:"token,omitempty"`
	TokenID       string                    `json:"tokenID,omitempty"`
	TokenSecret   []byte                    `json:"tokenSecret,omitempty"`
	LocalContext  string                    `json:"localContext,omitempty"`
	RemoteContext string                    `json:"remoteContext,omitempty"`
	DHPublicKey   []byte                    `json:"dhPublicKey,omitempty"`
	Salt          []byte                    `json:"salt,omitempty"`
	Channel       uint32                    `json:"channel,omitempty"`
	Notify        *message.ChannelMapNotify `json:"notify,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

func writeFrame(w io.Writer, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return secure.WriteFrame(w, data)
}

func readFrame(r io.Reader) (*frame, error) {
	data, err := secure.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &f, nil
}

// expect reads a frame and checks its op, converting error frames.
func expect(r io.Reader, want op) (*frame, error) {
	f, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if f.Op == opError {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, f.Error)
	}
	if f.Op != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, want, f.Op)
	}
	return f, nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
