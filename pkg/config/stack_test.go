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

package config

import (
	"testing"
)

func TestNewStack(t *testing.T) {
	t.Parallel()
	opts := NewDefaultOptions()
	opts.ICE.ListenAddress = "127.0.0.1:0"
	opts.ICE.URLs = nil
	opts.DNS.Servers = []string{"127.0.0.1:53"}
	stack, err := opts.NewStack(nil)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}
	f := stack.Factories
	if f.Transport == nil || f.Relay == nil || f.Secure == nil || f.Resolver == nil || f.Nonces == nil {
		t.Fatalf("expected every factory to be set: %+v", f)
	}
	if f.RelayAcceptor != nil {
		t.Fatal("relay acceptor should be unset until a listener is attached")
	}
	if stack.Timing != opts.Timing.SessionTiming() {
		t.Fatalf("unexpected timing %+v", stack.Timing)
	}
	if stack.Socket.LocalAddr() == nil {
		t.Fatal("expected the socket to be bound")
	}
	if err := stack.Close(); err != nil {
		t.Fatalf("close stack: %v", err)
	}
}

func TestNewStackInvalidOptions(t *testing.T) {
	t.Parallel()
	opts := NewDefaultOptions()
	opts.ICE.ListenAddress = ""
	if _, err := opts.NewStack(nil); err == nil {
		t.Fatal("expected invalid options to fail")
	}
}
