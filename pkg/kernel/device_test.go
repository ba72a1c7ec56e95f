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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

// usysProgramNop is a registered no-op entry for lifecycle tests.
var usysProgramNop = usys.Program(func(env *usys.Env) {})

// fakeDevice records calls and returns canned statuses.
type fakeDevice struct {
	name     string
	openRet  int32
	closeRet int32
	readRet  int32
	writeRet int32
	ioctlRet int32
	calls    []string
}

func (d *fakeDevice) Name() string           { return d.name }
func (d *fakeDevice) Open(p *Process) int32  { d.calls = append(d.calls, "open"); return d.openRet }
func (d *fakeDevice) Close(p *Process) int32 { d.calls = append(d.calls, "close"); return d.closeRet }
func (d *fakeDevice) Write(p *Process, buf machine.Addr, n uint32) int32 {
	d.calls = append(d.calls, "write")
	return d.writeRet
}
func (d *fakeDevice) Read(p *Process, buf machine.Addr, n uint32) int32 {
	d.calls = append(d.calls, "read")
	return d.readRet
}
func (d *fakeDevice) Ioctl(p *Process, cmd uint32, args machine.Addr) int32 {
	d.calls = append(d.calls, "ioctl")
	return d.ioctlRet
}

func deviceKernel(t *testing.T) (*Kernel, *Process, *fakeDevice) {
	t.Helper()
	k := newTestKernel(t, nil)
	dev := &fakeDevice{name: "fake"}
	require.NoError(t, k.RegisterDevice(0, dev))
	return k, &k.procs[0], dev
}

func TestDeviceRegistration(t *testing.T) {
	k := newTestKernel(t, nil)
	dev := &fakeDevice{name: "fake"}
	require.NoError(t, k.RegisterDevice(0, dev))
	assert.Error(t, k.RegisterDevice(0, dev), "slot taken")
	assert.Error(t, k.RegisterDevice(-1, dev))
	assert.Error(t, k.RegisterDevice(abi.MaxKernDevices, dev))
}

func TestOpenAssignsDescriptors(t *testing.T) {
	k, p, _ := deviceKernel(t)

	assert.False(t, k.diOpen(p, 0))
	assert.Equal(t, int32(0), p.ret, "first free descriptor")
	assert.False(t, k.diOpen(p, 0))
	assert.Equal(t, int32(1), p.ret)

	// Exhaust the descriptor table.
	k.diOpen(p, 0)
	k.diOpen(p, 0)
	assert.False(t, k.diOpen(p, 0))
	assert.Equal(t, int32(abi.SysErr), p.ret, "no free descriptor")
}

func TestOpenValidation(t *testing.T) {
	k, p, dev := deviceKernel(t)

	assert.False(t, k.diOpen(p, -1))
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.False(t, k.diOpen(p, abi.MaxKernDevices))
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.False(t, k.diOpen(p, 1), "no device registered in slot 1")
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.Empty(t, dev.calls)

	dev.openRet = -7
	assert.False(t, k.diOpen(p, 0))
	assert.Equal(t, int32(abi.SysErr), p.ret, "device refusal leaves no descriptor")
	assert.Nil(t, p.fds[0])
}

func TestOpenBlocks(t *testing.T) {
	k, p, dev := deviceKernel(t)

	dev.openRet = abi.Block
	assert.True(t, k.diOpen(p, 0), "device said block")
	assert.Equal(t, int32(abi.SysErr), p.ret, "default failure pre-set; device owns the result")
	assert.Nil(t, p.fds[0], "no descriptor while blocked")
}

func TestCloseClearsDescriptor(t *testing.T) {
	k, p, dev := deviceKernel(t)

	require.False(t, k.diOpen(p, 0))
	fd := int(p.ret)

	assert.False(t, k.diClose(p, fd))
	assert.Equal(t, int32(0), p.ret)
	assert.Nil(t, p.fds[fd])

	assert.False(t, k.diClose(p, fd), "double close")
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.False(t, k.diClose(p, -1))
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.False(t, k.diClose(p, abi.MaxProcDevices))
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.Equal(t, []string{"open", "close"}, dev.calls)
}

func TestReadValidation(t *testing.T) {
	k, p, dev := deviceKernel(t)
	require.False(t, k.diOpen(p, 0))
	fd := int(p.ret)
	buf := machine.HoleEnd + 0x1000

	// Bad descriptor.
	assert.False(t, k.diRead(p, fd+1, buf, 16))
	assert.Equal(t, int32(abi.SysErr), p.ret)

	// Bad buffers: null, hole, past end, zero length.
	for _, tc := range []struct {
		buf machine.Addr
		n   uint32
	}{
		{machine.Null, 16},
		{machine.HoleStart + 4, 16},
		{k.mem.MaxAddr() - 8, 16},
		{buf, 0},
	} {
		assert.False(t, k.diRead(p, fd, tc.buf, tc.n))
		assert.Equal(t, int32(abi.SysErr), p.ret)
	}
	assert.NotContains(t, dev.calls, "read", "device never sees a bad buffer")

	dev.readRet = 7
	assert.False(t, k.diRead(p, fd, buf, 16))
	assert.Equal(t, int32(7), p.ret)

	dev.readRet = abi.Block
	assert.True(t, k.diRead(p, fd, buf, 16))
	assert.Equal(t, int32(abi.SysErr), p.ret, "default failure pre-set on block")
}

func TestWriteValidation(t *testing.T) {
	k, p, dev := deviceKernel(t)
	require.False(t, k.diOpen(p, 0))
	fd := int(p.ret)
	buf := machine.HoleEnd + 0x1000

	dev.writeRet = 5
	assert.False(t, k.diWrite(p, fd, buf, 5))
	assert.Equal(t, int32(5), p.ret)

	assert.False(t, k.diWrite(p, fd, machine.Null, 5))
	assert.Equal(t, int32(abi.SysErr), p.ret)
	assert.False(t, k.diWrite(p, 9, buf, 5))
	assert.Equal(t, int32(abi.SysErr), p.ret)
}

func TestIoctlDispatch(t *testing.T) {
	k, p, dev := deviceKernel(t)
	require.False(t, k.diOpen(p, 0))
	fd := int(p.ret)

	dev.ioctlRet = 0
	assert.False(t, k.diIoctl(p, fd, 55, machine.Null))
	assert.Equal(t, int32(0), p.ret)

	assert.False(t, k.diIoctl(p, fd+1, 55, machine.Null))
	assert.Equal(t, int32(abi.SysErr), p.ret, "unopened descriptor")
}

func TestStopClosesDescriptors(t *testing.T) {
	k, p, dev := deviceKernel(t)

	// Make the slot a live process the cheap way.
	prog := k.gw.Text().Register(usysProgramNop)
	pid := k.create(prog, abi.ProcStack)
	require.Positive(t, pid)
	live := &k.procs[(pid-1)%abi.MaxProc]

	require.False(t, k.diOpen(live, 0))
	require.False(t, k.diOpen(live, 0))
	k.ready.remove(live)
	k.stop(live)

	assert.Equal(t, []string{"open", "open", "close", "close"}, dev.calls)
	for fd := range live.fds {
		assert.Nil(t, live.fds[fd])
	}
	_ = p
}
