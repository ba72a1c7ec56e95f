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

// Package kbd is the keyboard driver. One physical keyboard backs two
// logical devices: device 0 opens with echo off, device 1 with echo on; at
// most one may be open at a time.
//
// The driver has the usual two halves. The lower half is the interrupt
// handler: it drains the controller port, runs the scan code through the
// modifier state machine, and either completes a blocked read in place or
// parks the character in a small kernel buffer. The upper half services
// open, close, read and ioctl on behalf of the device-independent layer.
// Both halves run on the dispatcher with interrupts disabled, so they share
// state freely.
package kbd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/kernel"
	"github.com/rutigs/skrtos/pkg/machine"
)

// maxBuffered is the size of the kernel type-ahead buffer. Characters
// arriving with it full and no reader blocked are dropped.
const maxBuffered = 4

// personality is the per-device configuration: echo, the session-ending
// byte, and whether that byte has been seen.
type personality struct {
	echoDefault bool
	echoOn      bool
	endOfFile   byte
	disabled    bool
}

func (st *personality) reset() {
	st.echoOn = st.echoDefault
	st.endOfFile = abi.ControlD
	st.disabled = false
}

// Driver is the shared keyboard state behind both logical devices.
type Driver struct {
	k   *kernel.Kernel
	log logrus.FieldLogger

	// current is the open logical device, nil when closed.
	current *Keyboard

	scan scanState

	// Kernel type-ahead buffer, filled while no reader is blocked.
	buffered [maxBuffered]byte
	buflen   int

	// The single blocked-reader slot: the process, its buffer, and how
	// far the interrupt half has filled it.
	reader    *kernel.Process
	readerBuf machine.Addr
	readerLen uint32
	readerOff uint32
}

// Keyboard is one logical keyboard device.
type Keyboard struct {
	drv    *Driver
	name   string
	number int
	st     personality
}

// Register installs the two keyboard devices and the interrupt handler.
func Register(k *kernel.Kernel) (*Driver, error) {
	drv := &Driver{
		k:   k,
		log: k.Log().WithField("subsystem", "kbd"),
	}
	plain := &Keyboard{drv: drv, name: "keyboard", number: 0}
	plain.st.echoDefault = false
	plain.st.reset()
	echo := &Keyboard{drv: drv, name: "echo_keyboard", number: 1}
	echo.st.echoDefault = true
	echo.st.reset()

	if err := k.RegisterDevice(0, plain); err != nil {
		return nil, err
	}
	if err := k.RegisterDevice(1, echo); err != nil {
		return nil, err
	}
	k.RegisterIRQHandler(machine.IRQKeyboard, drv.InterruptHandler)
	return drv, nil
}

// Name implements kernel.Device.
func (kb *Keyboard) Name() string { return kb.name }

// Open implements kernel.Device. Only one logical keyboard may be open;
// opening arms the interrupt line.
func (kb *Keyboard) Open(p *kernel.Process) int32 {
	if kb.drv.current != nil {
		return abi.SysErr
	}
	kb.drv.k.Platform().SetIRQMask(machine.IRQKeyboard, false)
	kb.drv.current = kb
	kb.drv.log.WithField("device", kb.number).Debug("keyboard opened")
	return 0
}

// Close implements kernel.Device. Closing disarms the interrupt line and
// resets scan and session state, so a reopened device starts fresh.
func (kb *Keyboard) Close(p *kernel.Process) int32 {
	if kb.drv.current == nil {
		return abi.SysErr
	}
	drv := kb.drv
	drv.k.Platform().SetIRQMask(machine.IRQKeyboard, true)
	if drv.reader == p {
		// The reader is going away with its descriptor (kill or stop
		// path); drop the slot without a wake-up.
		drv.reader = nil
		drv.readerOff = 0
	}
	kb.st.reset()
	drv.scan.reset()
	drv.buflen = 0
	drv.current = nil
	drv.log.WithField("device", kb.number).Debug("keyboard closed")
	return 0
}

// Read implements kernel.Device. A satisfied read drains the type-ahead
// buffer; anything more blocks the caller in the single reader slot, to be
// completed by the interrupt half on newline, buffer fill, or end of file.
func (kb *Keyboard) Read(p *kernel.Process, buf machine.Addr, buflen uint32) int32 {
	drv := kb.drv
	if kb.st.disabled {
		return 0
	}

	mem := drv.k.Memory()
	if buflen > uint32(drv.buflen) {
		drv.reader = p
		drv.readerBuf = buf
		drv.readerLen = buflen
		for i := 0; i < drv.buflen; i++ {
			_ = mem.SetByte(buf+machine.Addr(i), drv.buffered[i])
		}
		drv.readerOff = uint32(drv.buflen)
		drv.buflen = 0
		drv.k.BlockOnRead(p, drv.cancelRead)
		return abi.Block
	}

	n := int(buflen)
	for i := 0; i < n; i++ {
		_ = mem.SetByte(buf+machine.Addr(i), drv.buffered[i])
	}
	copy(drv.buffered[:], drv.buffered[n:drv.buflen])
	drv.buflen -= n
	return int32(buflen)
}

// Write implements kernel.Device; the keyboard is input-only.
func (kb *Keyboard) Write(p *kernel.Process, buf machine.Addr, buflen uint32) int32 {
	return abi.SysErr
}

// Ioctl implements kernel.Device. Commands: change the end-of-file byte,
// echo off, echo on.
func (kb *Keyboard) Ioctl(p *kernel.Process, command uint32, args machine.Addr) int32 {
	switch command {
	case abi.KeyboardChangeEOF:
		if args == machine.Null {
			return abi.SysErr
		}
		code, err := kb.drv.k.Memory().Word(args)
		if err != nil || code > abi.MaxASCII {
			return abi.SysErr
		}
		kb.st.endOfFile = byte(code)
		return 0
	case abi.KeyboardEchoOff:
		kb.st.echoOn = false
		return 0
	case abi.KeyboardEchoOn:
		kb.st.echoOn = true
		return 0
	default:
		return abi.SysErr
	}
}

// InterruptHandler is the lower half, invoked by the dispatcher on the
// keyboard's synthetic trap code. It reads the controller and hands any
// translated character to the upper-half buffers.
func (drv *Driver) InterruptHandler() {
	gw := drv.k.Platform()
	if gw.InPort(machine.KeyboardControlPort)&machine.KeyboardReady == 0 {
		return
	}
	code := gw.InPort(machine.KeyboardDataPort)
	drv.deliver(code)
}

// deliver routes one scan code: modifier bookkeeping, end-of-file handling,
// a blocked reader, or the type-ahead buffer, in that order.
func (drv *Driver) deliver(scan byte) {
	if drv.current == nil {
		return
	}
	st := &drv.current.st

	ch := drv.scan.translate(scan)
	if ch > abi.MaxASCII {
		return
	}
	c := byte(ch)

	if c == st.endOfFile {
		if drv.reader != nil {
			drv.unblockReader()
		}
		drv.k.Platform().SetIRQMask(machine.IRQKeyboard, true)
		st.disabled = true
		return
	}

	if drv.reader != nil {
		if st.echoOn {
			fmt.Fprintf(drv.k.Console(), "%c", c)
		}
		_ = drv.k.Memory().SetByte(drv.readerBuf+machine.Addr(drv.readerOff), c)
		drv.readerOff++
		if drv.readerOff == drv.readerLen || c == '\n' {
			drv.unblockReader()
		}
		return
	}

	if drv.buflen < maxBuffered {
		drv.buffered[drv.buflen] = c
		drv.buflen++
		if st.echoOn {
			fmt.Fprintf(drv.k.Console(), "%c", c)
		}
		return
	}
	drv.log.Debug("type-ahead buffer full, dropping character")
}

// unblockReader completes the pending read with its partial count and
// clears the reader slot.
func (drv *Driver) unblockReader() {
	p := drv.reader
	n := drv.readerOff
	drv.reader = nil
	drv.readerOff = 0
	drv.k.ReadyWithReturn(p, int32(n))
}

// cancelRead is handed to the kernel when a read blocks; signals and kills
// cut the read short through it.
func (drv *Driver) cancelRead() {
	if drv.reader != nil {
		drv.unblockReader()
	}
}
