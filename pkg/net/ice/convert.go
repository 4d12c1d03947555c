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

package ice

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v2"

	"github.com/webmeshproj/peerlink/pkg/candidate"
)

// FromICE converts a gathered pion candidate into an advertised candidate.
func FromICE(c ice.Candidate) candidate.Candidate {
	out := candidate.Candidate{
		Namespace:  candidate.NamespaceICE,
		Transport:  candidate.TransportUDP,
		Type:       candidate.Type(c.Type().String()),
		Foundation: c.Foundation(),
		Component:  c.Component(),
		Priority:   c.Priority(),
		IP:         c.Address(),
		Port:       uint16(c.Port()),
	}
	if c.NetworkType().IsTCP() {
		out.Transport = candidate.TransportTCP
	}
	if ra := c.RelatedAddress(); ra != nil {
		out.RelatedIP = ra.Address
		out.RelatedPort = uint16(ra.Port)
	}
	return out
}

// ToICE converts an advertised candidate into a pion remote candidate.
func ToICE(c candidate.Candidate) (ice.Candidate, error) {
	if c.Namespace != candidate.NamespaceICE {
		return nil, fmt.Errorf("not an ice candidate: %s", c.Namespace)
	}
	if c.Transport != candidate.TransportUDP {
		return nil, fmt.Errorf("unsupported ice transport %q", c.Transport)
	}
	return ice.UnmarshalCandidate(Marshal(c))
}

// Marshal returns the SDP candidate attribute value of c.
func Marshal(c candidate.Candidate) string {
	foundation := c.Foundation
	if foundation == "" {
		foundation = "0"
	}
	component := c.Component
	if component == 0 {
		component = 1
	}
	typ := c.Type
	if typ == "" {
		typ = candidate.TypeHost
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s %d %s %d typ %s", foundation, component, c.Transport, c.Priority, c.IP, c.Port, typ)
	if c.RelatedIP != "" {
		fmt.Fprintf(&sb, " raddr %s rport %d", c.RelatedIP, c.RelatedPort)
	}
	return sb.String()
}
