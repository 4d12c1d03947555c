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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/webmeshproj/peerlink/pkg/context"
	"github.com/webmeshproj/peerlink/pkg/net/transport"
)

// ErrNoRecords is returned when an SRV lookup yields no usable records.
var ErrNoRecords = errors.New("no SRV records found")

// DefaultCacheSize is the number of answers cached by default.
const DefaultCacheSize = 128

// ResolverOptions are options for the SRV resolver.
type ResolverOptions struct {
	// Config is the DNS configuration. Defaults to the system configuration.
	Config *Config
	// CacheSize is the answer cache size. Zero uses DefaultCacheSize and a
	// negative value disables caching.
	CacheSize int
	// Logger is the resolver logger.
	Logger *slog.Logger
}

// Resolver performs SRV lookups in the background and caches the answers
// for their TTL.
type Resolver struct {
	conf   Config
	client *dns.Client
	cache  *lru.Cache[string, cacheValue]
	log    *slog.Logger
	wg     sync.WaitGroup
}

type cacheValue struct {
	records []transport.SRV
	expires time.Time
}

// NewResolver returns a new resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	conf := GetSystemConfig()
	if opts.Config != nil {
		conf = *opts.Config
	}
	if len(conf.Servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}
	if conf.Attempts <= 0 {
		conf.Attempts = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		conf: conf,
		client: &dns.Client{
			Timeout: conf.Timeout,
		},
		log: log.With("component", "srv-resolver"),
	}
	if conf.UseTCP {
		r.client.Net = "tcp"
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		var err error
		r.cache, err = lru.New[string, cacheValue](size)
		if err != nil {
			return nil, fmt.Errorf("create SRV cache: %w", err)
		}
	}
	return r, nil
}

// LookupSRV implements transport.Resolver.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, name string, done func([]transport.SRV, error)) {
	qname := dns.Fqdn(fmt.Sprintf("_%s._%s.%s", service, proto, name))
	if r.cache != nil {
		if val, ok := r.cache.Get(qname); ok {
			if time.Now().Before(val.expires) {
				r.log.Debug("SRV cache hit", slog.String("name", qname))
				records := append([]transport.SRV(nil), val.records...)
				go done(records, nil)
				return
			}
			r.cache.Remove(qname)
		}
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		records, err := r.Resolve(ctx, qname)
		done(records, err)
	}()
}

// Resolve synchronously looks up the SRV records of a fully qualified name.
func (r *Resolver) Resolve(ctx context.Context, qname string) ([]transport.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), dns.TypeSRV)
	m.RecursionDesired = true
	var lastErr error
	for attempt := 0; attempt < r.conf.Attempts; attempt++ {
		for _, server := range r.conf.Servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, rtt, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				r.log.Debug("SRV lookup failed", slog.String("server", server), slog.String("error", err.Error()))
				lastErr = err
				continue
			}
			r.log.Debug("SRV lookup succeeded", slog.String("server", server), slog.Duration("rtt", rtt))
			if resp.Rcode == dns.RcodeNameError {
				return nil, fmt.Errorf("%w: %s", ErrNoRecords, qname)
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("lookup %s: %s", qname, dns.RcodeToString[resp.Rcode])
				continue
			}
			records, ttl := srvRecords(resp)
			if len(records) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNoRecords, qname)
			}
			if r.cache != nil && ttl > 0 {
				r.cache.Add(qname, cacheValue{
					records: records,
					expires: time.Now().Add(time.Duration(ttl) * time.Second),
				})
			}
			return append([]transport.SRV(nil), records...), nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoRecords
	}
	return nil, fmt.Errorf("lookup %s: %w", qname, lastErr)
}

// Wait blocks until all background lookups have finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func srvRecords(resp *dns.Msg) ([]transport.SRV, uint32) {
	var records []transport.SRV
	var ttl uint32
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		if ttl == 0 || srv.Hdr.Ttl < ttl {
			ttl = srv.Hdr.Ttl
		}
		records = append(records, transport.SRV{
			Target:   strings.TrimSuffix(srv.Target, "."),
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	return records, ttl
}
