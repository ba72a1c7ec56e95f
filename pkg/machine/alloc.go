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
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoMemory is returned when no free block can satisfy an allocation.
var ErrNoMemory = fmt.Errorf("machine: out of memory")

// allocAlign is the allocation granularity. Requests are rounded up to it.
const allocAlign = 16

// freeBlock is a run of unallocated memory.
type freeBlock struct {
	addr Addr
	size uint32
}

// Allocator is the machine's first-fit allocator. It manages the RAM below
// and above the adapter hole as two initial free runs and coalesces adjacent
// blocks on free.
//
// The allocator is a platform collaborator, not part of the kernel: the
// kernel only sees allocate and free.
type Allocator struct {
	mu   sync.Mutex
	free []freeBlock
	used map[Addr]uint32
	log  logrus.FieldLogger
}

// NewAllocator returns an allocator over m's free RAM.
func NewAllocator(m *Memory, log logrus.FieldLogger) *Allocator {
	a := &Allocator{
		used: make(map[Addr]uint32),
		log:  log.WithField("subsystem", "alloc"),
	}
	a.free = append(a.free, freeBlock{addr: FreeStart, size: uint32(HoleStart - FreeStart)})
	a.free = append(a.free, freeBlock{addr: HoleEnd, size: uint32(m.MaxAddr() - HoleEnd)})
	return a
}

// Allocate returns the address of a block of at least size bytes, or
// ErrNoMemory. The block is 16-byte aligned.
func (a *Allocator) Allocate(size uint32) (Addr, error) {
	if size == 0 {
		return Null, fmt.Errorf("machine: zero-sized allocation")
	}
	size = (size + allocAlign - 1) &^ (allocAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.free {
		b := &a.free[i]
		if b.size < size {
			continue
		}
		addr := b.addr
		b.addr += Addr(size)
		b.size -= size
		if b.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.used[addr] = size
		return addr, nil
	}
	return Null, ErrNoMemory
}

// Free returns a block obtained from Allocate. Freeing an address that was
// never allocated is logged and ignored rather than corrupting the free
// list.
func (a *Allocator) Free(addr Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.used[addr]
	if !ok {
		a.log.WithField("addr", fmt.Sprintf("%#x", addr)).Warn("free of unmanaged address")
		return
	}
	delete(a.used, addr)
	a.free = append(a.free, freeBlock{addr: addr, size: size})
	a.coalesce()
}

// coalesce merges adjacent free blocks. Called with mu held.
func (a *Allocator) coalesce() {
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].addr < a.free[j].addr })
	out := a.free[:0]
	for _, b := range a.free {
		if n := len(out); n > 0 && out[n-1].addr+Addr(out[n-1].size) == b.addr {
			out[n-1].size += b.size
			continue
		}
		out = append(out, b)
	}
	a.free = out
}

// FreeBytes reports the total free space. Used by boot logging and tests.
func (a *Allocator) FreeBytes() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint32
	for _, b := range a.free {
		total += b.size
	}
	return total
}
