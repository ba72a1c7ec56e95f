// Copyright 2018 The SkrtOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package machine

import (
	"sync"
)

// TextRegistry maps addresses in the kernel text region to registered
// symbols. Entry points and signal handlers are plain Go functions on the
// host; the registry gives each one a stable machine address so that
// address-based validation (hole checks, bounds checks) keeps its meaning.
//
// Addresses are handed out 16 bytes apart starting at TextStart. Each
// registration gets a fresh address: two closures over the same code are
// distinct symbols. The region bounds the lifetime registration count, which
// is ample for a fixed process pool.
type TextRegistry struct {
	mu     sync.Mutex
	next   Addr
	byAddr map[Addr]any
}

// NewTextRegistry returns an empty registry.
func NewTextRegistry() *TextRegistry {
	return &TextRegistry{
		next:   TextStart,
		byAddr: make(map[Addr]any),
	}
}

// Register assigns a text address to fn. Registering beyond the text region
// panics; it cannot happen in a correctly sized system.
func (t *TextRegistry) Register(fn any) Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next >= TextEnd {
		panic("machine: text region exhausted")
	}
	addr := t.next
	t.next += allocAlign
	t.byAddr[addr] = fn
	return addr
}

// Lookup returns the symbol registered at addr.
func (t *TextRegistry) Lookup(addr Addr) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sym, ok := t.byAddr[addr]
	return sym, ok
}
