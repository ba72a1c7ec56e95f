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
	"math"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

// CreateProcess registers prog in kernel text and creates a process running
// it. It is the boot-time entry; user processes go through the create trap.
func (k *Kernel) CreateProcess(prog usys.Program, stackSize uint32) int32 {
	if prog == nil {
		return abi.CreateFailure
	}
	entry := k.gw.Text().Register(prog)
	return k.create(entry, stackSize)
}

// create builds a process: stack allocation, initial context frame, pid
// assignment, ready queue. It returns the new pid or abi.CreateFailure.
func (k *Kernel) create(entry machine.Addr, stackSize uint32) int32 {
	sym, ok := k.gw.Text().Lookup(entry)
	if !ok {
		return abi.CreateFailure
	}
	prog, ok := sym.(usys.Program)
	if !ok {
		return abi.CreateFailure
	}

	if stackSize < k.stackFloor {
		stackSize = k.stackFloor
	}

	var p *Process
	for i := range k.procs {
		if k.procs[i].state == abi.StateStopped {
			p = &k.procs[i]
			break
		}
	}
	if p == nil {
		return abi.CreateFailure
	}

	stack, err := k.alloc.Allocate(stackSize)
	if err != nil {
		return abi.CreateFailure
	}

	ctx, err := k.gw.NewContext(prog, stack, stackSize, entry)
	if err != nil {
		k.alloc.Free(stack)
		return abi.CreateFailure
	}

	*p = Process{
		slot:      p.slot,
		pid:       p.pid,
		ctx:       ctx,
		stackBase: stack,
		stackSize: stackSize,
	}

	// A slot that has never run starts at slot+1; reuse advances by the
	// table size so stale pids never alias, reseeding on wraparound.
	if p.pid == 0 || p.pid > math.MaxInt32-abi.MaxProc {
		p.pid = int32(p.slot) + 1
	} else {
		p.pid += abi.MaxProc
	}

	k.readyProc(p)
	return p.pid
}

// stop terminates p: its stack is released (the only place that happens),
// everything waiting on it wakes with 0, and its descriptors close. Stopping
// an already-stopped slot is a no-op.
func (k *Kernel) stop(p *Process) {
	if p.state == abi.StateStopped {
		return
	}

	for {
		wake := p.waiters.dequeue()
		if wake == nil {
			break
		}
		wake.waitingFor = nil
		wake.ret = 0
		k.readyProc(wake)
	}

	for fd := range p.fds {
		if dev := p.fds[fd]; dev != nil {
			dev.Close(p)
			p.fds[fd] = nil
		}
	}

	k.alloc.Free(p.stackBase)
	p.stackBase = machine.Null

	p.state = abi.StateStopped
	p.prev, p.next = nil, nil
	p.pending = 0
	p.inSignalFrame = false
	p.readCancel = nil
	p.waitingFor = nil

	k.gw.DestroyContext(p.ctx)

	if k.haltWhenIdle && !k.userAlive() {
		k.halted = true
	}
}

// userAlive reports whether any process other than idle is unstopped.
func (k *Kernel) userAlive() bool {
	for i := range k.procs {
		p := &k.procs[i]
		if p.state != abi.StateStopped && p != k.idle {
			return true
		}
	}
	return false
}

// killProcess terminates pid outright on behalf of curr: -2 for a self-kill,
// -1 for a dead or unknown target. The victim is pulled off whatever queue
// its state placed it on before it stops.
func (k *Kernel) killProcess(curr *Process, pid int32) int32 {
	if pid == curr.pid {
		return -2
	}
	target := k.findProcess(pid)
	if target == nil {
		return -1
	}

	if target.state == abi.StateRead && target.readCancel != nil {
		cancel := target.readCancel
		target.readCancel = nil
		cancel()
	}
	switch target.state {
	case abi.StateSleep:
		k.removeFromSleep(target)
	case abi.StateReady:
		k.removeFromReady(target)
	case abi.StateWait:
		target.waitingFor.waiters.remove(target)
		target.waitingFor = nil
	}

	k.stop(target)
	return 0
}

// wait blocks curr until pid terminates. It reports whether curr blocked;
// the error returns (-1 unknown target, -2 self-wait) complete in place.
func (k *Kernel) wait(curr *Process, pid int32) bool {
	if pid == curr.pid {
		curr.ret = -2
		return false
	}
	target := k.findProcess(pid)
	if target == nil {
		curr.ret = -1
		return false
	}
	curr.ret = 0
	target.waiters.enqueue(curr)
	curr.state = abi.StateWait
	curr.waitingFor = target
	return true
}

// cpuTimes fills the process status snapshot at ps: three parallel arrays of
// pid, state and cpu milliseconds for every unstopped slot. The caller's own
// slot reports RUNNING. Returns the last index filled, -1 for a snapshot in
// the hole, -2 for one past the end of memory.
func (k *Kernel) cpuTimes(curr *Process, ps machine.Addr) int32 {
	if k.mem.InHole(ps) {
		return -1
	}
	if uint64(ps)+abi.StatusSize > uint64(k.mem.MaxAddr()) {
		return -2
	}

	slot := int32(-1)
	for i := range k.procs {
		p := &k.procs[i]
		if p.state == abi.StateStopped {
			continue
		}
		slot++
		state := p.state
		if p == curr {
			state = abi.StateRunning
		}
		off := machine.Addr(4 * slot)
		_ = k.mem.SetWord(ps+abi.StatusPidOffset+off, uint32(p.pid))
		_ = k.mem.SetWord(ps+abi.StatusStateOffset+off, uint32(state))
		_ = k.mem.SetWord(ps+abi.StatusTimeOffset+off, uint32(p.cpuTicks*k.tickMs))
	}
	return slot
}
