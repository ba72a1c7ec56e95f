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

// Package usys provides the user side of the system call interface: one stub
// per call, each marshalling its arguments into the process stack and raising
// the kernel trap through the platform gateway. User programs receive an Env
// when scheduled and interact with the kernel only through it.
package usys

import (
	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
)

// Program is a process entry point. A program that returns falls into the
// synthetic stop slot planted below its first frame and terminates cleanly.
type Program func(*Env)

// Handler is a signal handler. It runs in user mode on the signalled
// process, receiving the stack context it will return through.
type Handler func(env *Env, ctx machine.Addr)

// Trapper is the gateway surface a stub needs: raise a trap and block until
// resumed, register text symbols, and reach machine memory. It is
// implemented by the platform's process context.
type Trapper interface {
	// Trap writes args to the process stack, raises the kernel trap with
	// the given request code and blocks until the dispatcher resumes the
	// process, returning the scheduled return value.
	Trap(req uint32, args []uint32) int32

	// RegisterText assigns a kernel text address to fn.
	RegisterText(fn any) machine.Addr

	// Memory returns the machine memory.
	Memory() *machine.Memory

	// Allocate and Free expose the machine allocator; processes own
	// their heap blocks in the single shared address space.
	Allocate(size uint32) (machine.Addr, error)
	Free(addr machine.Addr)
}

// Env is a process's view of the system.
type Env struct {
	t Trapper
	m *machine.Memory
}

// NewEnv returns the Env for a process context. Called by the platform when
// it builds the context; user code never constructs one.
func NewEnv(t Trapper) *Env {
	return &Env{t: t, m: t.Memory()}
}

// Mem returns the machine memory for direct buffer access.
func (e *Env) Mem() *machine.Memory { return e.m }

// Alloc obtains a heap block.
func (e *Env) Alloc(size uint32) (machine.Addr, error) { return e.t.Allocate(size) }

// Free releases a heap block.
func (e *Env) Free(addr machine.Addr) { e.t.Free(addr) }

// Create starts a new process running fn on a stack of at least stackSize
// bytes, returning its pid or abi.CreateFailure.
func (e *Env) Create(fn Program, stackSize uint32) int32 {
	if fn == nil {
		return abi.CreateFailure
	}
	entry := e.t.RegisterText(fn)
	return e.t.Trap(abi.SysCreate, []uint32{uint32(entry), stackSize})
}

// Yield surrenders the remainder of the quantum.
func (e *Env) Yield() {
	e.t.Trap(abi.SysYield, nil)
}

// Stop terminates the calling process. It does not return.
func (e *Env) Stop() {
	e.t.Trap(abi.SysStop, nil)
}

// GetPid returns the caller's pid.
func (e *Env) GetPid() int32 {
	return e.t.Trap(abi.SysGetPid, nil)
}

// Puts writes s to the console.
func (e *Env) Puts(s string) {
	buf, err := e.t.Allocate(uint32(len(s)) + 1)
	if err != nil {
		return
	}
	defer e.t.Free(buf)
	if err := e.m.WriteBytes(buf, append([]byte(s), 0)); err != nil {
		return
	}
	e.t.Trap(abi.SysPuts, []uint32{uint32(buf)})
}

// Sleep suspends the caller for at least ms milliseconds. It returns 0 on a
// natural wake, or the approximate remaining time if a signal cut the sleep
// short.
func (e *Env) Sleep(ms uint32) int32 {
	return e.t.Trap(abi.SysSleep, []uint32{ms})
}

// Kill delivers signal signum to pid.
func (e *Env) Kill(pid int32, signum int) int32 {
	return e.t.Trap(abi.SysKill, []uint32{uint32(pid), uint32(signum)})
}

// KillProc terminates pid outright.
func (e *Env) KillProc(pid int32) int32 {
	return e.t.Trap(abi.SysKillProc, []uint32{uint32(pid)})
}

// GetCPUTimes fills the process status snapshot at statuses and returns the
// last valid slot index, or a validation error code.
func (e *Env) GetCPUTimes(statuses machine.Addr) int32 {
	return e.t.Trap(abi.SysCPUTimes, []uint32{uint32(statuses)})
}

// ProcStatus is one decoded row of the process status snapshot.
type ProcStatus struct {
	Pid       int32
	State     abi.State
	CPUTimeMs int32
}

// ProcessStatuses is a convenience wrapper around GetCPUTimes that allocates
// the snapshot, decodes it and releases it.
func (e *Env) ProcessStatuses() ([]ProcStatus, int32) {
	buf, err := e.t.Allocate(abi.StatusSize)
	if err != nil {
		return nil, abi.SysErr
	}
	defer e.t.Free(buf)
	last := e.GetCPUTimes(buf)
	if last < 0 {
		return nil, last
	}
	out := make([]ProcStatus, 0, last+1)
	for i := int32(0); i <= last; i++ {
		pid, _ := e.m.Word(buf + abi.StatusPidOffset + machine.Addr(4*i))
		st, _ := e.m.Word(buf + abi.StatusStateOffset + machine.Addr(4*i))
		ms, _ := e.m.Word(buf + abi.StatusTimeOffset + machine.Addr(4*i))
		out = append(out, ProcStatus{Pid: int32(pid), State: abi.State(st), CPUTimeMs: int32(ms)})
	}
	return out, last
}

// SigHandler installs h for signum and returns the previous handler's text
// address along with the call's return code. A nil h restores the default
// (ignore).
func (e *Env) SigHandler(signum int, h Handler) (machine.Addr, int32) {
	var newAddr machine.Addr
	if h != nil {
		newAddr = e.t.RegisterText(h)
	}
	oldOut, err := e.t.Allocate(4)
	if err != nil {
		return machine.Null, abi.SysErr
	}
	defer e.t.Free(oldOut)
	rc := e.SigHandlerAddr(signum, newAddr, oldOut)
	if rc != 0 {
		return machine.Null, rc
	}
	old, _ := e.m.Word(oldOut)
	return machine.Addr(old), 0
}

// SigHandlerAddr is the raw form of SigHandler, operating on text addresses.
func (e *Env) SigHandlerAddr(signum int, newHandler, oldHandlerOut machine.Addr) int32 {
	return e.t.Trap(abi.SysSigHandler, []uint32{uint32(signum), uint32(newHandler), uint32(oldHandlerOut)})
}

// Wait blocks until pid terminates. It returns 0 when the target stopped,
// -1 if it does not exist, or -2 if pid is the caller itself or a signal
// interrupted the wait.
func (e *Env) Wait(pid int32) int32 {
	return e.t.Trap(abi.SysWait, []uint32{uint32(pid)})
}

// Open opens a kernel device and returns a file descriptor.
func (e *Env) Open(deviceNumber int) int32 {
	return e.t.Trap(abi.SysOpen, []uint32{uint32(deviceNumber)})
}

// Close releases a file descriptor.
func (e *Env) Close(fd int) int32 {
	return e.t.Trap(abi.SysClose, []uint32{uint32(fd)})
}

// Read transfers up to n bytes from fd into buf.
func (e *Env) Read(fd int, buf machine.Addr, n int) int32 {
	return e.t.Trap(abi.SysRead, []uint32{uint32(fd), uint32(buf), uint32(n)})
}

// Write transfers n bytes from buf to fd.
func (e *Env) Write(fd int, buf machine.Addr, n int) int32 {
	return e.t.Trap(abi.SysWrite, []uint32{uint32(fd), uint32(buf), uint32(n)})
}

// Ioctl issues a device control command. Command arguments are packed into a
// scratch variadic area whose address travels with the trap, mirroring the
// stack-based list the device walks.
func (e *Env) Ioctl(fd int, command uint32, args ...uint32) int32 {
	var va machine.Addr
	if len(args) > 0 {
		buf, err := e.t.Allocate(uint32(4 * len(args)))
		if err != nil {
			return abi.SysErr
		}
		defer e.t.Free(buf)
		for i, a := range args {
			if err := e.m.SetWord(buf+machine.Addr(4*i), a); err != nil {
				return abi.SysErr
			}
		}
		va = buf
	}
	return e.t.Trap(abi.SysIoctl, []uint32{uint32(fd), command, uint32(va)})
}
