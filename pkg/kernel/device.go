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
)

// Device is a kernel device's upper half. Methods return a device status: a
// negative code for failure, a non-negative transfer count for success, or
// abi.Block to suspend the calling process, in which case the device owns
// the eventual return value and wake-up.
type Device interface {
	Name() string
	Open(p *Process) int32
	Close(p *Process) int32
	Read(p *Process, buf machine.Addr, buflen uint32) int32
	Write(p *Process, buf machine.Addr, buflen uint32) int32
	Ioctl(p *Process, command uint32, args machine.Addr) int32
}

// BlockOnRead suspends p in the READ state. The driver supplies cancel,
// which must ready p with whatever partial transfer it has; the kernel
// invokes it when a signal or kill cuts the read short.
func (k *Kernel) BlockOnRead(p *Process, cancel func()) {
	p.state = abi.StateRead
	p.readCancel = cancel
}

// ReadyWithReturn readies a blocked process with the given return value.
// Drivers complete suspended operations through it.
func (k *Kernel) ReadyWithReturn(p *Process, ret int32) {
	p.ret = ret
	p.readCancel = nil
	k.readyProc(p)
}

// verifyBuffer checks a user transfer buffer: non-null, not in the adapter
// hole, inside memory, positive length.
func (k *Kernel) verifyBuffer(buf machine.Addr, buflen uint32) bool {
	if buf == machine.Null || buflen == 0 {
		return false
	}
	if k.mem.InHole(buf) {
		return false
	}
	if uint64(buf)+uint64(buflen) > uint64(k.mem.MaxAddr()) {
		return false
	}
	return true
}

// The di* helpers implement the device-independent layer. Each sets the
// caller's return value and reports whether the caller must block; on a
// block the return value is pre-set to the failure default and the device
// overwrites it when it completes the operation.

// diOpen connects p to a kernel device, assigning the first free descriptor.
func (k *Kernel) diOpen(p *Process, deviceNumber int) bool {
	p.ret = abi.SysErr

	if deviceNumber < 0 || deviceNumber >= abi.MaxKernDevices || k.devices[deviceNumber] == nil {
		return false
	}

	for fd := 0; fd < abi.MaxProcDevices; fd++ {
		if p.fds[fd] != nil {
			continue
		}
		dev := k.devices[deviceNumber]
		result := dev.Open(p)
		if result == abi.Block {
			return true
		}
		if result < 0 {
			return false
		}
		p.fds[fd] = dev
		p.ret = int32(fd)
		return false
	}
	return false
}

// diClose releases descriptor fd.
func (k *Kernel) diClose(p *Process, fd int) bool {
	p.ret = abi.SysErr

	if fd < 0 || fd >= abi.MaxProcDevices || p.fds[fd] == nil {
		return false
	}

	dev := p.fds[fd]
	if dev.Close(p) == abi.Block {
		return true
	}
	p.fds[fd] = nil
	p.ret = 0
	return false
}

// diRead transfers up to buflen bytes from the device behind fd into buf.
func (k *Kernel) diRead(p *Process, fd int, buf machine.Addr, buflen uint32) bool {
	p.ret = abi.SysErr

	if fd < 0 || fd >= abi.MaxProcDevices || p.fds[fd] == nil {
		return false
	}
	if !k.verifyBuffer(buf, buflen) {
		return false
	}

	result := p.fds[fd].Read(p, buf, buflen)
	if result == abi.Block {
		return true
	}
	p.ret = result
	return false
}

// diWrite transfers buflen bytes from buf to the device behind fd.
func (k *Kernel) diWrite(p *Process, fd int, buf machine.Addr, buflen uint32) bool {
	p.ret = abi.SysErr

	if fd < 0 || fd >= abi.MaxProcDevices || p.fds[fd] == nil {
		return false
	}
	if !k.verifyBuffer(buf, buflen) {
		return false
	}

	result := p.fds[fd].Write(p, buf, buflen)
	if result == abi.Block {
		return true
	}
	p.ret = result
	return false
}

// diIoctl passes a control command and its argument area to the device;
// command validation is device-local.
func (k *Kernel) diIoctl(p *Process, fd int, command uint32, args machine.Addr) bool {
	p.ret = abi.SysErr

	if fd < 0 || fd >= abi.MaxProcDevices || p.fds[fd] == nil {
		return false
	}

	result := p.fds[fd].Ioctl(p, command, args)
	if result == abi.Block {
		return true
	}
	p.ret = result
	return false
}
