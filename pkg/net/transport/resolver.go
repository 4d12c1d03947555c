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

package transport

import (
	"context"
	"net"
	"strconv"
)

// SRV is one resolved service record.
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Address returns target:port.
func (s SRV) Address() string {
	return net.JoinHostPort(s.Target, strconv.Itoa(int(s.Port)))
}

// Resolver performs asynchronous SRV lookups.
type Resolver interface {
	// LookupSRV resolves _service._proto.name and calls done exactly once
	// with the records ordered by priority, or an error. It never blocks.
	LookupSRV(ctx context.Context, service, proto, name string, done func([]SRV, error))
}

// ResolverFunc implements Resolver.
type ResolverFunc func(ctx context.Context, service, proto, name string, done func([]SRV, error))

// LookupSRV implements Resolver.
func (f ResolverFunc) LookupSRV(ctx context.Context, service, proto, name string, done func([]SRV, error)) {
	f(ctx, service, proto, name, done)
}

// NonceCache records single-use nonces.
type NonceCache interface {
	// CheckAndStore returns true the first time a nonce is seen in the
	// namespace and false afterwards.
	CheckAndStore(ctx context.Context, namespace, nonce string) (bool, error)
}
