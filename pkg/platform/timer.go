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
	"time"

	"github.com/rutigs/skrtos/pkg/machine"
)

// TimerMode selects how the quantum advances.
type TimerMode int

const (
	// TimerVirtual synthesizes one tick each time the dispatcher enters
	// the idle process, which makes runs deterministic. Tests and batch
	// runs use it.
	TimerVirtual TimerMode = iota

	// TimerHost raises the timer line from a host ticker at the
	// configured interval. Interactive runs use it.
	TimerHost
)

// Timer is the programmable interval timer. In host mode switching to the
// idle process halts until an interrupt arrives, the hlt idiom; in virtual
// mode it advances the clock instead.
type Timer struct {
	ic     *machine.InterruptController
	mode   TimerMode
	tickMs int
	done   chan struct{}
}

func newTimer(ic *machine.InterruptController, mode TimerMode, tickMs int) *Timer {
	if tickMs <= 0 {
		tickMs = 10
	}
	return &Timer{ic: ic, mode: mode, tickMs: tickMs}
}

// start unmasks the timer line and, in host mode, begins raising it.
func (t *Timer) start() {
	t.ic.SetMask(machine.IRQTimer, false)
	if t.mode != TimerHost {
		return
	}
	t.done = make(chan struct{})
	ticker := time.NewTicker(time.Duration(t.tickMs) * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.ic.Raise(machine.IRQTimer)
			case <-t.done:
				return
			}
		}
	}()
}

// stop halts the host ticker.
func (t *Timer) stop() {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
}

// idleEntered is called when the dispatcher is about to run the idle
// process: nothing else can make progress until an interrupt.
func (t *Timer) idleEntered() {
	if t.mode == TimerVirtual {
		// Time advances only when nothing else is waiting to be
		// serviced, so latched device interrupts cannot be starved by
		// synthetic ticks.
		if !t.ic.HasDeliverable() {
			t.ic.Raise(machine.IRQTimer)
		}
		return
	}
	t.ic.WaitDeliverable()
}
