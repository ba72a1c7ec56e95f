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
	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/platform"
)

// Process is one slot of the process table.
//
// A process is a member of at most one queue at a time (the ready queue, the
// sleep delta list, or some process's wait queue), tracked by prev/next; its
// state names which one. A STOPPED slot holds no stack and sits on no queue.
type Process struct {
	// pid is nonzero for any slot that has ever run. (pid-1) mod MaxProc
	// is the slot index; reuse advances pid by MaxProc so stale pids
	// never alias a live slot.
	pid  int32
	slot int

	state abi.State

	// ctx is the gateway context: goroutine, stack bounds and saved
	// stack pointer.
	ctx *platform.Context

	// stackBase is the owning reference to the stack allocation. It is
	// released exactly once, on the transition to STOPPED.
	stackBase machine.Addr
	stackSize uint32

	// trapArgs points at the variadic argument list of the current trap.
	trapArgs machine.Addr

	// ret is the value delivered into the saved accumulator on resume.
	ret int32

	// cpuTicks counts timer ticks spent running.
	cpuTicks int32

	// Signal state: per-signal handler text addresses (0 = ignore), the
	// pending bitset, and whether a trampoline frame is live on the
	// stack.
	handlers      [abi.MaxSignals]machine.Addr
	pending       uint32
	inSignalFrame bool

	// sleepDelta is the tick count relative to the previous sleeper;
	// meaningful only in SLEEP.
	sleepDelta int32

	// readCancel unblocks a pending read with its partial count;
	// meaningful only in READ. The owning driver installs it.
	readCancel func()

	// waitingFor is the process whose termination this one awaits;
	// meaningful only in WAIT. waiters holds the processes waiting on
	// this one.
	waitingFor *Process
	waiters    procQueue

	// fds maps per-process descriptors to kernel devices.
	fds [abi.MaxProcDevices]Device

	prev, next *Process
}

// Pid returns the process id.
func (p *Process) Pid() int32 { return p.pid }

// State returns the scheduling state.
func (p *Process) State() abi.State { return p.state }

// findProcess resolves a live pid. The idle process is not addressable: it
// cannot be signalled, waited on, or killed.
func (k *Kernel) findProcess(pid int32) *Process {
	if pid == 0 || (k.idle != nil && pid == k.idle.pid) {
		return nil
	}
	for i := range k.procs {
		p := &k.procs[i]
		if p.pid == pid && p.state != abi.StateStopped {
			return p
		}
	}
	return nil
}
