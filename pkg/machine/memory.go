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

// Package machine models the 32-bit single-processor platform the kernel
// runs on: a flat physical memory with the legacy adapter hole, a first-fit
// allocator, a text region for registered entry points, the interrupt
// controller and the keyboard controller ports. Everything here stands in
// for firmware-level collaborators; the kernel proper lives elsewhere.
package machine

import (
	"encoding/binary"
	"fmt"
)

// Addr is a physical address.
type Addr uint32

// Null is the zero address. It is never a valid buffer or text address.
const Null Addr = 0

// Legacy adapter hole. Addresses in [HoleStart, HoleEnd) are not backed by
// RAM and must be rejected by buffer validation.
const (
	HoleStart Addr = 0xA0000
	HoleEnd   Addr = 0x100000
)

// Memory layout of the modeled machine below the hole.
const (
	// TextStart..TextEnd is the kernel text region. Registered function
	// addresses are handed out from it.
	TextStart Addr = 0x1000
	TextEnd   Addr = 0x10000

	// FreeStart is the first address handed to the allocator.
	FreeStart Addr = 0x10000
)

// ErrBadAddress is returned for accesses outside backed memory.
var ErrBadAddress = fmt.Errorf("machine: address outside backed memory")

// Memory is the machine's flat physical memory. Word accesses are
// little-endian, matching the modeled processor.
//
// Memory performs no internal locking: the kernel and the process whose turn
// it is alternate strictly (interrupts cannot preempt kernel code), and every
// hand-off goes through a channel.
type Memory struct {
	bytes   []byte
	maxAddr Addr
}

// NewMemory returns a memory of the given size in bytes. The size must leave
// room above the hole; boot fails otherwise.
func NewMemory(size uint32) (*Memory, error) {
	if Addr(size) <= HoleEnd {
		return nil, fmt.Errorf("machine: %d bytes leaves no memory above the hole", size)
	}
	return &Memory{
		bytes:   make([]byte, size),
		maxAddr: Addr(size),
	}, nil
}

// MaxAddr returns the first address past the end of memory.
func (m *Memory) MaxAddr() Addr { return m.maxAddr }

// InHole reports whether addr falls inside the adapter hole.
func (m *Memory) InHole(addr Addr) bool {
	return addr >= HoleStart && addr < HoleEnd
}

// CheckRange validates that [addr, addr+length) is backed RAM outside the
// hole.
func (m *Memory) CheckRange(addr Addr, length uint32) error {
	end := uint64(addr) + uint64(length)
	if addr == Null || end > uint64(m.maxAddr) {
		return ErrBadAddress
	}
	if addr < HoleEnd && Addr(end) > HoleStart {
		return ErrBadAddress
	}
	return nil
}

// Word reads the 32-bit word at addr.
func (m *Memory) Word(addr Addr) (uint32, error) {
	if err := m.CheckRange(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.bytes[addr:]), nil
}

// SetWord writes the 32-bit word at addr.
func (m *Memory) SetWord(addr Addr, v uint32) error {
	if err := m.CheckRange(addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.bytes[addr:], v)
	return nil
}

// Byte reads the byte at addr.
func (m *Memory) Byte(addr Addr) (byte, error) {
	if err := m.CheckRange(addr, 1); err != nil {
		return 0, err
	}
	return m.bytes[addr], nil
}

// SetByte writes the byte at addr.
func (m *Memory) SetByte(addr Addr, v byte) error {
	if err := m.CheckRange(addr, 1); err != nil {
		return err
	}
	m.bytes[addr] = v
	return nil
}

// Bytes copies n bytes starting at addr out of memory.
func (m *Memory) Bytes(addr Addr, n uint32) ([]byte, error) {
	if err := m.CheckRange(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.bytes[addr:addr+Addr(n)])
	return out, nil
}

// WriteBytes copies b into memory starting at addr.
func (m *Memory) WriteBytes(addr Addr, b []byte) error {
	if err := m.CheckRange(addr, uint32(len(b))); err != nil {
		return err
	}
	copy(m.bytes[addr:], b)
	return nil
}

// Fill sets n bytes starting at addr to v. Used for the stack sentinel fill
// during process creation.
func (m *Memory) Fill(addr Addr, n uint32, v byte) error {
	if err := m.CheckRange(addr, n); err != nil {
		return err
	}
	for i := Addr(0); i < Addr(n); i++ {
		m.bytes[addr+i] = v
	}
	return nil
}

// CString reads a NUL-terminated string starting at addr, stopping at maxLen
// bytes or the end of valid memory.
func (m *Memory) CString(addr Addr, maxLen uint32) (string, error) {
	if err := m.CheckRange(addr, 1); err != nil {
		return "", err
	}
	var out []byte
	for i := uint32(0); i < maxLen; i++ {
		b, err := m.Byte(addr + Addr(i))
		if err != nil || b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return string(out), nil
}
