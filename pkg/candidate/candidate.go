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

// Package candidate contains the reachability descriptors exchanged during
// discovery and the relay tokens that authorize relay channel mappings.
package candidate

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"
)

// Namespace identifies the kind of path a candidate describes.
type Namespace string

const (
	// NamespaceICE is a direct NAT traversal candidate.
	NamespaceICE Namespace = "ice-candidates"
	// NamespaceFinderRelay is a server mediated relay candidate.
	NamespaceFinderRelay Namespace = "finder-relay"
)

// Transport is the transport protocol of a candidate.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Type is the ICE candidate type.
type Type string

const (
	TypeHost  Type = "host"
	TypeSrflx Type = "srflx"
	TypePrflx Type = "prflx"
	TypeRelay Type = "relay"
)

// Candidate is a single reachability descriptor.
type Candidate struct {
	Namespace   Namespace `json:"namespace"`
	Transport   Transport `json:"transport"`
	Type        Type      `json:"type,omitempty"`
	Foundation  string    `json:"foundation,omitempty"`
	Component   uint16    `json:"component,omitempty"`
	Priority    uint32    `json:"priority,omitempty"`
	IP          string    `json:"ip,omitempty"`
	Port        uint16    `json:"port,omitempty"`
	RelatedIP   string    `json:"relatedIP,omitempty"`
	RelatedPort uint16    `json:"relatedPort,omitempty"`
	// Host is set on relay candidates that must be resolved with an SRV
	// lookup before use.
	Host string `json:"host,omitempty"`
	// Token authorizes a relay channel. Only relay candidates carry one.
	Token *Token `json:"token,omitempty"`
}

// String returns a short human readable description.
func (c Candidate) String() string {
	switch c.Namespace {
	case NamespaceFinderRelay:
		if c.Host != "" {
			return fmt.Sprintf("%s %s %s", c.Namespace, c.Transport, c.Host)
		}
		return fmt.Sprintf("%s %s %s", c.Namespace, c.Transport, c.Address())
	default:
		return fmt.Sprintf("%s %s %s %s", c.Namespace, c.Transport, c.Type, c.Address())
	}
}

// Address returns the ip:port of the candidate.
func (c Candidate) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}

// NeedsLookup reports whether the relay address must be resolved first.
func (c Candidate) NeedsLookup() bool {
	return c.Namespace == NamespaceFinderRelay && c.IP == "" && c.Host != ""
}

// IsRelay reports whether the candidate is a finder relay candidate.
func (c Candidate) IsRelay() bool {
	return c.Namespace == NamespaceFinderRelay
}

// Equal compares candidates ignoring token secrets.
func (c Candidate) Equal(o Candidate) bool {
	if c.Namespace != o.Namespace || c.Transport != o.Transport || c.Type != o.Type ||
		c.Foundation != o.Foundation || c.Component != o.Component || c.Priority != o.Priority ||
		c.IP != o.IP || c.Port != o.Port || c.RelatedIP != o.RelatedIP ||
		c.RelatedPort != o.RelatedPort || c.Host != o.Host {
		return false
	}
	if (c.Token == nil) != (o.Token == nil) {
		return false
	}
	return c.Token == nil || c.Token.ID == o.Token.ID
}

// Validate checks that the candidate is usable.
func (c Candidate) Validate() error {
	switch c.Namespace {
	case NamespaceICE:
		if c.IP == "" || c.Port == 0 {
			return fmt.Errorf("ice candidate missing address")
		}
	case NamespaceFinderRelay:
		if c.Token == nil || c.Token.ID == "" {
			return fmt.Errorf("relay candidate missing token")
		}
		if c.Host == "" && (c.IP == "" || c.Port == 0) {
			return fmt.Errorf("relay candidate missing address")
		}
	default:
		return fmt.Errorf("unknown candidate namespace %q", c.Namespace)
	}
	switch c.Transport {
	case TransportUDP, TransportTCP:
	default:
		return fmt.Errorf("unknown candidate transport %q", c.Transport)
	}
	return nil
}

// List is an ordered set of candidates.
type List []Candidate

// Filter drops candidates of namespaces this node does not understand and
// candidates that fail validation.
func Filter(in List) List {
	out := make(List, 0, len(in))
	for _, c := range in {
		if c.Namespace != NamespaceICE && c.Namespace != NamespaceFinderRelay {
			continue
		}
		if c.Validate() != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ICE returns the direct candidates of the list, relay candidates removed.
func (l List) ICE() List {
	var out List
	for _, c := range l {
		if c.Namespace == NamespaceICE {
			out = append(out, c)
		}
	}
	return out
}

// Relay returns the first finder relay candidate, if any.
func (l List) Relay() (Candidate, bool) {
	for _, c := range l {
		if c.IsRelay() {
			return c, true
		}
	}
	return Candidate{}, false
}

// HasRelay reports whether the list contains a relay candidate.
func (l List) HasRelay() bool {
	_, ok := l.Relay()
	return ok
}

// Equal reports whether both lists contain the same candidates in the same order.
func (l List) Equal(o List) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if !l[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Version returns a stable digest of the list, independent of order.
// It changes whenever a candidate is added, removed or altered.
func (l List) Version() string {
	keys := make([]string, 0, len(l))
	for _, c := range l {
		key := c.String() + "|" + c.Foundation + "|" + strconv.FormatUint(uint64(c.Priority), 10)
		if c.Token != nil {
			key += "|" + c.Token.ID
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	h := blake3.New()
	var lenbuf [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(k)))
		_, _ = h.Write(lenbuf[:])
		_, _ = h.Write([]byte(k))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}
