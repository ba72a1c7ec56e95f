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

package machine

import (
	"sync"
)

// IRQ identifies an interrupt request line.
type IRQ int

const (
	// IRQTimer is the programmable timer line.
	IRQTimer IRQ = 0

	// IRQKeyboard is the keyboard controller line.
	IRQKeyboard IRQ = 1
)

// Keyboard controller ports.
const (
	KeyboardDataPort    = 0x60
	KeyboardControlPort = 0x64

	// KeyboardReady is the control-port bit indicating data is waiting.
	KeyboardReady = 0x01
)

// InterruptController models the PIC. Raised lines latch even while masked
// and are delivered once unmasked; after a delivery no further interrupt is
// delivered until end-of-interrupt is issued. All lines start masked; the
// platform unmasks the timer when it arms the quantum.
type InterruptController struct {
	mu          sync.Mutex
	cond        *sync.Cond
	pending     uint16
	masked      uint16
	awaitingEOI bool
}

// NewInterruptController returns a controller with every line masked.
func NewInterruptController() *InterruptController {
	ic := &InterruptController{masked: 0xFFFF}
	ic.cond = sync.NewCond(&ic.mu)
	return ic
}

// Raise latches irq. Delivery is deferred until the line is unmasked and any
// in-service interrupt has been acknowledged.
func (ic *InterruptController) Raise(irq IRQ) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.pending |= 1 << uint(irq)
	ic.cond.Broadcast()
}

// SetMask masks or unmasks irq. Latched requests survive masking.
func (ic *InterruptController) SetMask(irq IRQ, masked bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if masked {
		ic.masked |= 1 << uint(irq)
	} else {
		ic.masked &^= 1 << uint(irq)
	}
	ic.cond.Broadcast()
}

// HasDeliverable reports whether an unmasked request is latched and no
// interrupt is awaiting acknowledgement.
func (ic *InterruptController) HasDeliverable() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return !ic.awaitingEOI && ic.pending&^ic.masked != 0
}

// WaitDeliverable blocks until some line is deliverable: the processor's
// halt-until-interrupt.
func (ic *InterruptController) WaitDeliverable() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for ic.awaitingEOI || ic.pending&^ic.masked == 0 {
		ic.cond.Wait()
	}
}

// Deliver returns the lowest-numbered deliverable line and marks it in
// service, or false if nothing is deliverable. Lower lines have priority, so
// the timer preempts the keyboard.
func (ic *InterruptController) Deliver() (IRQ, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.awaitingEOI {
		return 0, false
	}
	deliverable := ic.pending &^ ic.masked
	if deliverable == 0 {
		return 0, false
	}
	for irq := IRQ(0); irq < 16; irq++ {
		if deliverable&(1<<uint(irq)) != 0 {
			ic.pending &^= 1 << uint(irq)
			ic.awaitingEOI = true
			return irq, true
		}
	}
	return 0, false
}

// EndOfInterrupt acknowledges the in-service interrupt, re-enabling
// delivery.
func (ic *InterruptController) EndOfInterrupt() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.awaitingEOI = false
	ic.cond.Broadcast()
}

// KeyboardController models the 8042: a FIFO of scan codes behind the data
// and control ports. It keeps its IRQ line asserted while the FIFO is
// non-empty by re-raising after every pop.
type KeyboardController struct {
	mu   sync.Mutex
	fifo []byte
	ic   *InterruptController
}

// NewKeyboardController returns a controller wired to ic.
func NewKeyboardController(ic *InterruptController) *KeyboardController {
	return &KeyboardController{ic: ic}
}

// Push appends a scan code and raises the keyboard line. Hosts and tests
// feed input through it.
func (kc *KeyboardController) Push(code byte) {
	kc.mu.Lock()
	kc.fifo = append(kc.fifo, code)
	kc.mu.Unlock()
	kc.ic.Raise(IRQKeyboard)
}

// In reads a controller port. Reading the data port pops the FIFO; reading
// the control port reports whether data is waiting.
func (kc *KeyboardController) In(port uint16) byte {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	switch port {
	case KeyboardControlPort:
		if len(kc.fifo) > 0 {
			return KeyboardReady
		}
		return 0
	case KeyboardDataPort:
		if len(kc.fifo) == 0 {
			return 0
		}
		code := kc.fifo[0]
		kc.fifo = kc.fifo[1:]
		if len(kc.fifo) > 0 {
			kc.ic.Raise(IRQKeyboard)
		}
		return code
	default:
		return 0
	}
}
