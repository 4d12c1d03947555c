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

package dns

import (
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/miekg/dns"
)

// ResolvConfEnvVar overrides the path of the resolver configuration.
const ResolvConfEnvVar = "RESOLV_CONF"

func loadSystemConfig() (*Config, error) {
	path := os.Getenv(ResolvConfEnvVar)
	if path == "" {
		path = "/etc/resolv.conf"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseResolvConf(f)
}

func parseResolvConf(r io.Reader) (*Config, error) {
	cc, err := dns.ClientConfigFromReader(r)
	if err != nil {
		return nil, err
	}
	conf := &Config{
		Search:   cc.Search,
		Ndots:    cc.Ndots,
		Timeout:  time.Duration(cc.Timeout) * time.Second,
		Attempts: cc.Attempts,
	}
	for _, server := range cc.Servers {
		if addr, err := netip.ParseAddr(server); err == nil {
			conf.Servers = append(conf.Servers, net.JoinHostPort(addr.String(), cc.Port))
			continue
		}
		if addrport, err := netip.ParseAddrPort(server); err == nil {
			conf.Servers = append(conf.Servers, addrport.String())
		}
	}
	if len(conf.Servers) == 0 {
		conf.Servers = defaultNS
	}
	return conf, nil
}
