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

// Package arch defines the context frame the trap gateway pushes on a
// process stack: the full general-purpose register file, the interrupted
// instruction pointer and code segment, and the flags word. The layout
// matches the modeled processor's push order (EDI lowest).
package arch

import (
	"fmt"
	"strings"

	"github.com/rutigs/skrtos/pkg/machine"
)

// Flags values.
const (
	// StartingEFlags is the flags word placed in a fresh process frame.
	StartingEFlags = 0x00003000

	// ArmInterrupts is OR'd into the flags word whenever execution enters
	// user code.
	ArmInterrupts = 0x00000200
)

// CodeSegment is the kernel code segment selector; every frame in a
// single-address-space system carries it.
const CodeSegment = 0x08

// Frame field offsets from the frame base (the saved stack pointer), and the
// frame size.
const (
	OffEDI    = 0
	OffESI    = 4
	OffEBP    = 8
	OffESP    = 12
	OffEBX    = 16
	OffEDX    = 20
	OffECX    = 24
	OffEAX    = 28
	OffEIP    = 32
	OffCS     = 36
	OffEFlags = 40

	// FrameSize is the byte size of a pushed context frame.
	FrameSize = 44
)

// StackSlack is the gap left between the top of a fresh stack and its first
// frame, covering the synthetic return slot.
const StackSlack = 8

// Frame is a decoded context frame.
type Frame struct {
	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32
	IretEIP            uint32
	IretCS             uint32
	EFlags             uint32
}

// Write encodes f into memory at base.
func (f *Frame) Write(m *machine.Memory, base machine.Addr) error {
	words := [...]uint32{
		f.EDI, f.ESI, f.EBP, f.ESP, f.EBX, f.EDX, f.ECX, f.EAX,
		f.IretEIP, f.IretCS, f.EFlags,
	}
	for i, w := range words {
		if err := m.SetWord(base+machine.Addr(4*i), w); err != nil {
			return fmt.Errorf("arch: frame write at %#x: %w", base, err)
		}
	}
	return nil
}

// ReadFrame decodes the context frame at base.
func ReadFrame(m *machine.Memory, base machine.Addr) (Frame, error) {
	var words [11]uint32
	for i := range words {
		w, err := m.Word(base + machine.Addr(4*i))
		if err != nil {
			return Frame{}, fmt.Errorf("arch: frame read at %#x: %w", base, err)
		}
		words[i] = w
	}
	return Frame{
		EDI: words[0], ESI: words[1], EBP: words[2], ESP: words[3],
		EBX: words[4], EDX: words[5], ECX: words[6], EAX: words[7],
		IretEIP: words[8], IretCS: words[9], EFlags: words[10],
	}, nil
}

// PokeEAX stores v into the saved accumulator slot of the frame at base, so
// the value pops into EAX when the process resumes.
func PokeEAX(m *machine.Memory, base machine.Addr, v uint32) error {
	return m.SetWord(base+OffEAX, v)
}

// PeekEIP reads the saved instruction pointer of the frame at base.
func PeekEIP(m *machine.Memory, base machine.Addr) (uint32, error) {
	return m.Word(base + OffEIP)
}

// Dump formats a frame for diagnostics.
func (f *Frame) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "eax=%08x ebx=%08x ecx=%08x edx=%08x\n", f.EAX, f.EBX, f.ECX, f.EDX)
	fmt.Fprintf(&b, "esi=%08x edi=%08x ebp=%08x esp=%08x\n", f.ESI, f.EDI, f.EBP, f.ESP)
	fmt.Fprintf(&b, "eip=%08x cs=%08x eflags=%08x", f.IretEIP, f.IretCS, f.EFlags)
	return b.String()
}
