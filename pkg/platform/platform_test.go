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

package platform

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/arch"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

func testGateway(t *testing.T) (*Gateway, *machine.Memory, *machine.Allocator) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	mem, err := machine.NewMemory(2 << 20)
	require.NoError(t, err)
	alloc := machine.NewAllocator(mem, log)
	return New(mem, alloc, Options{TimerMode: TimerVirtual, TickMs: 10, Log: log}), mem, alloc
}

func newProc(t *testing.T, g *Gateway, alloc *machine.Allocator, prog usys.Program) *Context {
	t.Helper()
	stack, err := alloc.Allocate(abi.ProcStack)
	require.NoError(t, err)
	entry := g.Text().Register(prog)
	c, err := g.NewContext(prog, stack, abi.ProcStack, entry)
	require.NoError(t, err)
	return c
}

func TestInitialFrame(t *testing.T) {
	g, mem, alloc := testGateway(t)
	c := newProc(t, g, alloc, func(env *usys.Env) {})

	base, top := c.Bounds()
	assert.Equal(t, top-arch.StackSlack-arch.FrameSize, c.SP())
	assert.Greater(t, c.SP(), base)

	f, err := arch.ReadFrame(mem, c.SP())
	require.NoError(t, err)
	assert.Equal(t, uint32(arch.StartingEFlags), f.EFlags, "interrupts armed only on entry")
	assert.Equal(t, uint32(arch.CodeSegment), f.IretCS)
	assert.Equal(t, uint32(c.SP())+arch.FrameSize, f.ESP)
	assert.Equal(t, uint32(0xA5A5A5A5), f.EDI, "sentinel fill intact")

	// The synthetic return slot traps a program that runs off its end.
	slot, err := mem.Word(top - arch.StackSlack)
	require.NoError(t, err)
	_, ok := g.Text().Lookup(machine.Addr(slot))
	assert.True(t, ok, "stop slot points into kernel text")
}

func TestTrapResumeCycle(t *testing.T) {
	g, mem, alloc := testGateway(t)

	var got []int32
	c := newProc(t, g, alloc, func(env *usys.Env) {
		got = append(got, env.GetPid())
	})

	req, _ := g.Switch(c, 0)
	assert.Equal(t, uint32(abi.SysGetPid), req)

	// The trap frame carries the request code in the accumulator.
	f, err := arch.ReadFrame(mem, c.SP())
	require.NoError(t, err)
	assert.Equal(t, uint32(abi.SysGetPid), f.EAX)
	assert.Equal(t, uint32(arch.StartingEFlags|arch.ArmInterrupts), f.EFlags)

	req, _ = g.Switch(c, 7)
	assert.Equal(t, uint32(abi.SysStop), req, "program end trapped into stop")
	assert.Equal(t, []int32{7}, got, "scheduled return value delivered")

	g.DestroyContext(c)
}

func TestTrapArguments(t *testing.T) {
	g, mem, alloc := testGateway(t)

	c := newProc(t, g, alloc, func(env *usys.Env) {
		env.Sleep(123)
	})

	req, args := g.Switch(c, 0)
	require.Equal(t, uint32(abi.SysSleep), req)
	w, err := mem.Word(args)
	require.NoError(t, err)
	assert.Equal(t, uint32(123), w, "argument list walked off the process stack")

	g.Switch(c, 0)
	g.DestroyContext(c)
}

func TestInterruptReasons(t *testing.T) {
	g, _, alloc := testGateway(t)

	c := newProc(t, g, alloc, func(env *usys.Env) {
		env.Yield()
	})

	// A latched keyboard interrupt surfaces before the process runs, and
	// the process's saved state is untouched.
	g.SetIRQMask(machine.IRQKeyboard, false)
	g.PushScanCode(0x23)
	spBefore := c.SP()
	req, _ := g.Switch(c, 0)
	assert.Equal(t, uint32(abi.SysKeybdIntr), req)
	assert.Equal(t, spBefore, c.SP())

	// Nothing further until end-of-interrupt.
	assert.Equal(t, byte(0x23), g.InPort(machine.KeyboardDataPort))
	g.EndOfInterrupt()

	req, _ = g.Switch(c, 0)
	assert.Equal(t, uint32(abi.SysYield), req, "process ran once the line quiesced")

	g.Switch(c, 0)
	g.DestroyContext(c)
}

func TestVirtualTimerTicksOnIdle(t *testing.T) {
	g, _, alloc := testGateway(t)

	idle := newProc(t, g, alloc, func(env *usys.Env) {
		for {
			env.Yield()
		}
	})
	g.SetIdleContext(idle)
	g.Start()
	defer g.Shutdown()

	req, _ := g.Switch(idle, 0)
	assert.Equal(t, uint32(abi.SysTimerTick), req, "idle entry advances virtual time")
	g.EndOfInterrupt()
}

func TestDestroyNeverStarted(t *testing.T) {
	g, _, alloc := testGateway(t)
	c := newProc(t, g, alloc, func(env *usys.Env) {})

	// No goroutine exists yet; destroy must not block.
	g.DestroyContext(c)
	g.DestroyContext(c)
}
