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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/arch"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

// signal marks signum pending on pid. A target without a registered handler
// ignores the signal silently. A blocked target is woken: a sleeper gets its
// remaining milliseconds as the sleep return, a waiter gets -2, and a
// blocked reader gets its partial byte count, or the interrupted-read code
// if it had none.
//
// Returns 0, -1 for an unknown pid, -2 for a bad signal number; the
// dispatcher maps the failures to the kill syscall's codes.
func (k *Kernel) signal(pid int32, signum int) int32 {
	proc := k.findProcess(pid)
	if proc == nil {
		return -1
	}
	if signum < 0 || signum >= abi.MaxSignals {
		return -2
	}
	if proc.handlers[signum] == machine.Null {
		return 0
	}

	switch proc.state {
	case abi.StateSleep:
		ticksLeft := k.removeFromSleep(proc)
		proc.ret = ticksLeft * k.tickMs
		k.readyProc(proc)
	case abi.StateWait:
		proc.waitingFor.waiters.remove(proc)
		proc.waitingFor = nil
		proc.ret = -2
		k.readyProc(proc)
	case abi.StateRead:
		if cancel := proc.readCancel; cancel != nil {
			proc.readCancel = nil
			cancel()
		}
		if proc.ret <= 0 {
			proc.ret = abi.ErrReadInterrupted
		}
	}

	proc.pending |= 1 << uint(signum)
	return 0
}

// sigHandler swaps the handler for signum, writing the old handler's address
// through oldOut. -1 for a bad signal number, -2 for a handler or result
// address outside usable memory.
func (k *Kernel) sigHandler(p *Process, signum int, newHandler machine.Addr, oldOut machine.Addr) int32 {
	if signum < 0 || signum >= abi.MaxSignals {
		return -1
	}
	if newHandler != machine.Null {
		if k.mem.InHole(newHandler) || newHandler >= k.mem.MaxAddr() {
			return -2
		}
		sym, ok := k.gw.Text().Lookup(newHandler)
		if !ok {
			return -2
		}
		if _, isHandler := sym.(usys.Handler); !isHandler {
			return -2
		}
	}
	if err := k.mem.CheckRange(oldOut, 4); err != nil {
		return -2
	}

	old := p.handlers[signum]
	if err := k.mem.SetWord(oldOut, uint32(old)); err != nil {
		return -2
	}
	p.handlers[signum] = newHandler
	return 0
}

// setupTrampoline builds a signal delivery frame on p's stack for the
// highest-numbered pending signal and points the saved stack pointer at it.
//
// Above the trampoline's context frame sit, top down: the interrupted return
// value, the interrupted stack pointer, the handler address, and a null
// return address (the trampoline never falls through; it exits via the
// sigreturn trap).
func (k *Kernel) setupTrampoline(p *Process) {
	signum := -1
	for n := abi.MaxSignals - 1; n >= 0; n-- {
		if p.pending&(1<<uint(n)) != 0 {
			signum = n
			break
		}
	}
	if signum < 0 {
		return
	}
	p.pending &^= 1 << uint(signum)

	handler := p.handlers[signum]
	if handler == machine.Null {
		return
	}

	oldSP := p.ctx.SP()
	sp := oldSP
	push := func(v uint32) {
		sp -= 4
		if err := k.mem.SetWord(sp, v); err != nil {
			panic(fmt.Sprintf("kernel: trampoline push at %#x: %v", sp, err))
		}
	}
	push(uint32(p.ret))
	push(uint32(oldSP))
	push(uint32(handler))
	push(0)

	frame := sp - arch.FrameSize
	base, _ := p.ctx.Bounds()
	if frame < base {
		k.log.WithFields(logrus.Fields{"pid": p.pid, "signal": signum}).Error("no stack room for signal frame, dropping signal")
		return
	}
	f := arch.Frame{
		ESP:     uint32(frame),
		EBP:     uint32(frame),
		IretEIP: uint32(k.gw.TrampolineAddr()),
		IretCS:  arch.CodeSegment,
		EFlags:  arch.StartingEFlags | arch.ArmInterrupts,
	}
	if err := f.Write(k.mem, frame); err != nil {
		panic(fmt.Sprintf("kernel: trampoline frame at %#x: %v", frame, err))
	}

	p.ctx.SetSP(frame)
	p.inSignalFrame = true
}

// sigReturn unwinds a trampoline frame: the saved stack pointer returns to
// the interrupted frame and the return value preserved above it is
// rescheduled. oldSP must lie within the caller's stack; the trampoline is
// the only caller.
func (k *Kernel) sigReturn(p *Process, oldSP machine.Addr) {
	base, top := p.ctx.Bounds()
	if oldSP < base || oldSP >= top {
		k.log.WithFields(logrus.Fields{"pid": p.pid, "sp": fmt.Sprintf("%#x", oldSP)}).Error("sigreturn outside process stack, ignored")
		return
	}

	saved, err := k.mem.Word(oldSP - 4)
	if err != nil {
		k.log.WithField("pid", p.pid).Error("sigreturn with unreadable saved return")
		return
	}
	p.ret = int32(saved)
	p.ctx.SetSP(oldSP)
	// Keep the restored frame self-consistent.
	_ = k.mem.SetWord(oldSP+arch.OffESP, uint32(oldSP))
	p.inSignalFrame = false
}
