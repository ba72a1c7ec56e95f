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
)

// The sleep list is a delta list: each member stores the ticks past its
// predecessor's wake, so the clock only ever touches the head and the
// ticks-until-wake of any member is the prefix sum of deltas up to it.

// sleep suspends p for at least ms milliseconds, rounded up to whole ticks.
func (k *Kernel) sleep(p *Process, ms uint32) {
	tick := uint32(k.tickMs)
	delta := int32((ms + tick - 1) / tick)

	var succ *Process
	for succ = k.sleepers.head; succ != nil && succ.sleepDelta <= delta; succ = succ.next {
		delta -= succ.sleepDelta
	}

	p.sleepDelta = delta
	if succ == nil {
		k.sleepers.insertAfter(k.sleepers.tail, p)
	} else {
		k.sleepers.insertAfter(succ.prev, p)
		succ.sleepDelta -= delta
	}
	p.state = abi.StateSleep
}

// tick advances the sleep countdown by one quantum, readying every sleeper
// whose time has come. Woken sleepers return 0.
func (k *Kernel) tick() {
	head := k.sleepers.head
	if head == nil {
		return
	}
	head.sleepDelta--
	for p := k.sleepers.head; p != nil && p.sleepDelta <= 0; p = k.sleepers.head {
		k.sleepers.dequeue()
		// A head whose delta was already 0 is overrun by this tick; the
		// overrun is charged to its successor so later sleepers keep
		// their deadlines.
		if p.sleepDelta < 0 && k.sleepers.head != nil {
			k.sleepers.head.sleepDelta += p.sleepDelta
		}
		p.sleepDelta = 0
		p.ret = 0
		k.readyProc(p)
	}
}

// removeFromSleep pulls p off the delta list early, folding its remaining
// delta into its successor so the rest of the list keeps its schedule. It
// returns the ticks p still had to sleep.
func (k *Kernel) removeFromSleep(p *Process) int32 {
	remaining := int32(0)
	for q := k.sleepers.head; q != nil; q = q.next {
		remaining += q.sleepDelta
		if q == p {
			break
		}
	}
	if p.next != nil {
		p.next.sleepDelta += p.sleepDelta
	}
	k.sleepers.remove(p)
	p.sleepDelta = 0
	return remaining
}
