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

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

func TestSigHandlerValidation(t *testing.T) {
	k := newTestKernel(t, nil)
	p := &k.procs[0]

	handler := k.gw.Text().Register(usys.Handler(func(env *usys.Env, ctx machine.Addr) {}))
	oldOut, err := k.alloc.Allocate(4)
	require.NoError(t, err)

	assert.Equal(t, int32(-1), k.sigHandler(p, -1, handler, oldOut))
	assert.Equal(t, int32(-1), k.sigHandler(p, abi.MaxSignals, handler, oldOut))

	assert.Equal(t, int32(-2), k.sigHandler(p, 3, machine.HoleStart+64, oldOut), "handler in the hole")
	assert.Equal(t, int32(-2), k.sigHandler(p, 3, k.mem.MaxAddr()+4, oldOut), "handler past end of memory")
	assert.Equal(t, int32(-2), k.sigHandler(p, 3, handler+4, oldOut), "handler at an unregistered address")
	assert.Equal(t, int32(-2), k.sigHandler(p, 3, handler, machine.Null), "result pointer unusable")

	assert.Equal(t, int32(0), k.sigHandler(p, 3, handler, oldOut))
	assert.Equal(t, handler, p.handlers[3])
}

// Round-trip law: installing h then h2 hands h back through the out
// pointer.
func TestSigHandlerRoundTrip(t *testing.T) {
	k := newTestKernel(t, nil)
	p := &k.procs[0]

	h := k.gw.Text().Register(usys.Handler(func(env *usys.Env, ctx machine.Addr) {}))
	h2 := k.gw.Text().Register(usys.Handler(func(env *usys.Env, ctx machine.Addr) {}))
	oldOut, err := k.alloc.Allocate(4)
	require.NoError(t, err)

	require.Equal(t, int32(0), k.sigHandler(p, 9, h, oldOut))
	first, err := k.mem.Word(oldOut)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first, "no previous handler")

	require.Equal(t, int32(0), k.sigHandler(p, 9, h2, oldOut))
	second, err := k.mem.Word(oldOut)
	require.NoError(t, err)
	assert.Equal(t, uint32(h), second, "previous handler handed back")

	// Deregistration restores the default.
	require.Equal(t, int32(0), k.sigHandler(p, 9, machine.Null, oldOut))
	assert.Equal(t, machine.Null, p.handlers[9])
}

func TestSignalTargetValidation(t *testing.T) {
	k := newTestKernel(t, nil)

	assert.Equal(t, int32(-1), k.signal(4242, 3), "unknown pid")

	// A live target with a bad signal number.
	p := &k.procs[5]
	p.pid = 6
	p.state = abi.StateReady
	assert.Equal(t, int32(-2), k.signal(6, -1))
	assert.Equal(t, int32(-2), k.signal(6, abi.MaxSignals))
	assert.Equal(t, int32(0), k.signal(6, 3), "no handler: accepted and ignored")
	assert.Zero(t, p.pending)
	p.state = abi.StateStopped
	p.pid = 0
}

// Pending bits are only ever set for handled signals (the §8 invariant);
// delivery clears the bit before the handler runs, so a re-raise from inside
// the handler is redelivered.
func TestSignalReraiseFromHandler(t *testing.T) {
	var runs int
	k := newTestKernel(t, nil)

	boot(t, k, func(env *usys.Env) {
		self := env.GetPid()
		env.SigHandler(4, func(env *usys.Env, ctx machine.Addr) {
			runs++
			if runs == 1 {
				env.Kill(self, 4)
			}
		})
		env.Kill(self, 4)
		env.Yield()
	})

	assert.Equal(t, 2, runs, "re-raised signal delivered on a later iteration")
}

// A signal pending on a never-started process is delivered through the
// trampoline before the first user instruction runs.
func TestSignalBeforeFirstRun(t *testing.T) {
	var events []string
	k := newTestKernel(t, nil)

	require.NoError(t, k.Start(func(env *usys.Env) {
		events = append(events, "root")
	}))

	childPid := k.CreateProcess(func(env *usys.Env) {
		events = append(events, "child-main")
	}, abi.ProcStack)
	require.Positive(t, childPid)
	child := &k.procs[(childPid-1)%abi.MaxProc]
	child.handlers[6] = k.gw.Text().Register(usys.Handler(func(env *usys.Env, ctx machine.Addr) {
		events = append(events, "handler")
	}))
	child.pending = 1 << 6

	done := make(chan struct{})
	go func() {
		k.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("kernel did not halt")
	}

	assert.Equal(t, []string{"root", "handler", "child-main"}, events)
}

// Nested syscalls from inside a handler are serviced in place.
func TestHandlerMaySyscall(t *testing.T) {
	var handlerPid int32
	var events []string
	k := newTestKernel(t, nil)

	boot(t, k, func(env *usys.Env) {
		target := env.Create(func(env *usys.Env) {
			env.SigHandler(2, func(env *usys.Env, ctx machine.Addr) {
				handlerPid = env.GetPid()
				env.Puts("")
				events = append(events, "handler")
			})
			ret := env.Sleep(10000)
			events = append(events, "woke")
			_ = ret
		}, abi.ProcStack)

		env.Create(func(env *usys.Env) {
			env.Sleep(50)
			env.Kill(target, 2)
		}, abi.ProcStack)
	})

	assert.Equal(t, []string{"handler", "woke"}, events)
	assert.Equal(t, int32(3), handlerPid, "handler runs on the signalled process")
}

// The trampoline frame restores the interrupted return value exactly.
func TestSigReturnRestoresReturnValue(t *testing.T) {
	var waitRets []int32
	k := newTestKernel(t, nil)

	boot(t, k, func(env *usys.Env) {
		child := env.Create(func(env *usys.Env) {
			env.Sleep(300)
		}, abi.ProcStack)

		parent := env.Create(func(env *usys.Env) {
			env.SigHandler(1, func(env *usys.Env, ctx machine.Addr) {})
			// First wait is interrupted (-2); the second rides to the
			// child's stop (0).
			waitRets = append(waitRets, env.Wait(child))
			waitRets = append(waitRets, env.Wait(child))
		}, abi.ProcStack)

		env.Create(func(env *usys.Env) {
			env.Sleep(100)
			env.Kill(parent, 1)
		}, abi.ProcStack)
	})

	assert.Equal(t, []int32{-2, 0}, waitRets)
}

func TestTrampolineFrameShape(t *testing.T) {
	k := newTestKernel(t, nil)

	// Hand-build a process far enough to deliver a signal to it.
	prog := k.gw.Text().Register(usys.Program(func(env *usys.Env) {}))
	pid := k.create(prog, abi.ProcStack)
	require.Positive(t, pid)
	p := &k.procs[(pid-1)%abi.MaxProc]

	handler := k.gw.Text().Register(usys.Handler(func(env *usys.Env, ctx machine.Addr) {}))
	p.handlers[8] = handler
	p.pending = 1 << 8
	p.ret = 1234

	oldSP := p.ctx.SP()
	k.setupTrampoline(p)
	require.True(t, p.inSignalFrame)
	assert.Zero(t, p.pending, "delivered bit cleared")

	frame := p.ctx.SP()
	assert.Equal(t, oldSP-60, frame, "four words plus a context frame")

	word := func(a machine.Addr) uint32 {
		w, err := k.mem.Word(a)
		require.NoError(t, err)
		return w
	}
	assert.Equal(t, uint32(0), word(frame+44), "null return address")
	assert.Equal(t, uint32(handler), word(frame+48))
	assert.Equal(t, uint32(oldSP), word(frame+52))
	assert.Equal(t, uint32(1234), word(frame+56), "interrupted return value preserved")
	assert.Equal(t, uint32(k.gw.TrampolineAddr()), word(frame+32), "frame resumes at the trampoline")

	// Unwind restores the original state.
	k.sigReturn(p, oldSP)
	assert.False(t, p.inSignalFrame)
	assert.Equal(t, oldSP, p.ctx.SP())
	assert.Equal(t, int32(1234), p.ret)
}

func TestSigReturnRejectsForeignStack(t *testing.T) {
	k := newTestKernel(t, nil)

	prog := k.gw.Text().Register(usys.Program(func(env *usys.Env) {}))
	pid := k.create(prog, abi.ProcStack)
	require.Positive(t, pid)
	p := &k.procs[(pid-1)%abi.MaxProc]
	p.inSignalFrame = true

	before := p.ctx.SP()
	k.sigReturn(p, machine.HoleEnd) // outside the process stack
	assert.Equal(t, before, p.ctx.SP(), "bogus sigreturn ignored")
	assert.True(t, p.inSignalFrame)
}
