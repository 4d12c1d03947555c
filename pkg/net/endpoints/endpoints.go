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

// Package endpoints detects the public addresses a relay or TURN server
// should advertise.
package endpoints

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"
)

const (
	// DefaultMyIPName is the name the opendns resolvers answer with the
	// address of the querier.
	DefaultMyIPName = "myip.opendns.com"
	// DefaultResolverHost is the opendns resolver used for detection.
	DefaultResolverHost = "resolver1.opendns.com"
)

// Detector discovers public addresses by asking a resolver that echoes
// the address of the querier.
type Detector struct {
	// MyIPName is the name to look up. Defaults to DefaultMyIPName.
	MyIPName string
	// ResolverHost is the host of the echoing resolver. Defaults to
	// DefaultResolverHost.
	ResolverHost string
	// Timeout bounds each dial to the resolver. Defaults to 5 seconds.
	Timeout time.Duration
	// DetectIPv6 includes IPv6 results.
	DetectIPv6 bool
}

// DetectPublicAddresses detects the public addresses of the machine
// using the default opendns detector.
func DetectPublicAddresses(ctx context.Context) (AddrList, error) {
	return (&Detector{}).Detect(ctx)
}

// Detect returns the detected addresses sorted IPv4 first.
func (d *Detector) Detect(ctx context.Context) (AddrList, error) {
	myip, host, timeout := d.MyIPName, d.ResolverHost, d.Timeout
	if myip == "" {
		myip = DefaultMyIPName
	}
	if host == "" {
		host = DefaultResolverHost
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no resolvers found for detection")
	}
	var ipv4, ipv6 netip.Addr
	for _, addr := range addrs {
		if addr.Is4() || addr.Is4In6() {
			ipv4 = addr.Unmap()
		} else if addr.Is6() {
			ipv6 = addr
		}
	}
	var out AddrList
	if ipv4.IsValid() {
		ips, err := resolverFor(ipv4, timeout).LookupNetIP(ctx, "ip4", myip)
		if err == nil {
			out = append(out, ips...)
		}
	}
	if ipv6.IsValid() && d.DetectIPv6 {
		ips, err := resolverFor(ipv6, timeout).LookupNetIP(ctx, "ip6", myip)
		if err == nil {
			out = append(out, ips...)
		}
	}
	out = out.Public()
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses found")
	}
	out.Sort()
	return out, nil
}

func resolverFor(server netip.Addr, timeout time.Duration) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, net.JoinHostPort(server.String(), "53"))
		},
	}
}

// AddrList is a list of detected addresses.
type AddrList []netip.Addr

// Public returns the addresses that are globally routable, unmapped and
// without duplicates.
func (a AddrList) Public() AddrList {
	var out AddrList
	for _, addr := range a {
		addr = addr.Unmap()
		if !addr.IsValid() || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
			addr.IsLinkLocalUnicast() || addr.IsMulticast() {
			continue
		}
		if slices.Contains(out, addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Preferred returns the first IPv4 address, or the first address when
// there is none. The zero Addr is returned for an empty list.
func (a AddrList) Preferred() netip.Addr {
	for _, addr := range a {
		if addr.Is4() {
			return addr
		}
	}
	if len(a) == 0 {
		return netip.Addr{}
	}
	return a[0]
}

// Strings returns the string form of each address.
func (a AddrList) Strings() []string {
	out := make([]string, 0, len(a))
	for _, addr := range a {
		out = append(out, addr.String())
	}
	return out
}

// Sort sorts IPv4 addresses first, then IPv6 addresses.
func (a AddrList) Sort() {
	slices.SortStableFunc(a, func(x, y netip.Addr) int {
		if x.Is4() && !y.Is4() {
			return -1
		}
		if !x.Is4() && y.Is4() {
			return 1
		}
		return x.Compare(y)
	})
}
