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

// Package kernel implements the core of the operating system: the process
// table and its queues, the round-robin dispatcher, process lifecycle,
// sleeping, signals, and the device-independent I/O layer. All kernel code
// runs between a trap entry and the next resume; interrupts cannot preempt
// it, so no internal locking is needed.
package kernel

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/platform"
	"github.com/rutigs/skrtos/pkg/usys"
)

// Options configures a Kernel.
type Options struct {
	// MemorySize is the machine RAM in bytes. It must exceed the adapter
	// hole; the default is 4 MiB.
	MemorySize uint32

	// TickMs is the timer quantum in milliseconds (default 10).
	TickMs int

	// TimerMode selects virtual (deterministic) or host time.
	TimerMode platform.TimerMode

	// HaltWhenIdle ends Run once every user process has stopped, instead
	// of idling forever.
	HaltWhenIdle bool

	// Console receives sysputs output and keyboard echo.
	Console io.Writer

	Log logrus.FieldLogger
}

// Kernel owns all system-wide state. Build one with New, register devices,
// then Start and Run it.
type Kernel struct {
	mem   *machine.Memory
	alloc *machine.Allocator
	gw    *platform.Gateway
	log   logrus.FieldLogger

	console io.Writer
	tickMs  int32

	procs    [abi.MaxProc]Process
	ready    procQueue
	sleepers procQueue

	devices     [abi.MaxKernDevices]Device
	irqHandlers map[machine.IRQ]func()

	idle    *Process
	current *Process

	haltWhenIdle bool
	halted       bool
	stackFloor   uint32
}

// New boots the machine up to the point where processes can be created:
// memory, allocator, dispatcher state, trap vectors.
func New(opts Options) (*Kernel, error) {
	if opts.MemorySize == 0 {
		opts.MemorySize = 4 << 20
	}
	if opts.TickMs <= 0 {
		opts.TickMs = abi.MillisecondsTick
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	console := opts.Console
	if console == nil {
		console = io.Discard
	}

	mem, err := machine.NewMemory(opts.MemorySize)
	if err != nil {
		return nil, err
	}
	klog := log.WithField("subsystem", "kernel")
	alloc := machine.NewAllocator(mem, log)
	klog.WithField("free", alloc.FreeBytes()).Debug("memory inited")

	k := &Kernel{
		mem:          mem,
		alloc:        alloc,
		log:          klog,
		console:      console,
		tickMs:       int32(opts.TickMs),
		irqHandlers:  make(map[machine.IRQ]func()),
		haltWhenIdle: opts.HaltWhenIdle,
		stackFloor:   abi.ProcStack,
	}
	for i := range k.procs {
		k.procs[i].slot = i
	}
	klog.Debug("dispatcher inited")

	k.gw = platform.New(mem, alloc, platform.Options{
		TimerMode: opts.TimerMode,
		TickMs:    opts.TickMs,
		Log:       log,
	})
	klog.Debug("context inited")
	return k, nil
}

// Memory returns the machine memory.
func (k *Kernel) Memory() *machine.Memory { return k.mem }

// Allocator returns the machine allocator.
func (k *Kernel) Allocator() *machine.Allocator { return k.alloc }

// Platform returns the trap gateway.
func (k *Kernel) Platform() *platform.Gateway { return k.gw }

// Console returns the console writer; drivers echo through it.
func (k *Kernel) Console() io.Writer { return k.console }

// TickMs returns the timer quantum in milliseconds.
func (k *Kernel) TickMs() int32 { return k.tickMs }

// Log returns the kernel logger.
func (k *Kernel) Log() logrus.FieldLogger { return k.log }

// RegisterDevice installs dev in the kernel device table slot number.
func (k *Kernel) RegisterDevice(number int, dev Device) error {
	if number < 0 || number >= abi.MaxKernDevices {
		return fmt.Errorf("kernel: device number %d out of range", number)
	}
	if k.devices[number] != nil {
		return fmt.Errorf("kernel: device %d already registered", number)
	}
	k.devices[number] = dev
	k.log.WithFields(logrus.Fields{"device": dev.Name(), "number": number}).Debug("device registered")
	return nil
}

// RegisterIRQHandler installs the upper-half entry the dispatcher invokes
// when irq's synthetic trap code surfaces.
func (k *Kernel) RegisterIRQHandler(irq machine.IRQ, fn func()) {
	k.irqHandlers[irq] = fn
}

// Start creates the idle process and the first user process, then arms the
// timer. The idle process must be created first so that it lands in slot 0.
func (k *Kernel) Start(first usys.Program) error {
	idlePid := k.CreateProcess(idleProgram, abi.ProcStack)
	if idlePid == abi.CreateFailure {
		return fmt.Errorf("kernel: cannot create idle process")
	}
	k.idle = &k.procs[(idlePid-1)%abi.MaxProc]
	k.gw.SetIdleContext(k.idle.ctx)

	if pid := k.CreateProcess(first, abi.ProcStack); pid == abi.CreateFailure {
		return fmt.Errorf("kernel: cannot create first process")
	}
	k.gw.Start()
	k.log.WithField("idle", idlePid).Debug("create inited")
	return nil
}

// idleProgram burns quanta until something else is ready. The gateway's
// idle hook turns each pass into a halt-until-interrupt or a virtual tick.
func idleProgram(env *usys.Env) {
	for {
		env.Yield()
	}
}

// IdlePid returns the idle process's pid.
func (k *Kernel) IdlePid() int32 {
	if k.idle == nil {
		return 0
	}
	return k.idle.pid
}

// argReader walks a trap's variadic argument list by word, the kernel side
// of the stub's marshalling.
type argReader struct {
	m    *machine.Memory
	addr machine.Addr
}

func (k *Kernel) args(addr machine.Addr) argReader {
	return argReader{m: k.mem, addr: addr}
}

func (a *argReader) word() uint32 {
	w, err := a.m.Word(a.addr)
	if err != nil {
		// Stubs only pass stack addresses; a bad list is a kernel bug.
		panic(fmt.Sprintf("kernel: trap argument read at %#x: %v", a.addr, err))
	}
	a.addr += 4
	return w
}

func (a *argReader) addrArg() machine.Addr { return machine.Addr(a.word()) }

func (a *argReader) intArg() int32 { return int32(a.word()) }

// readyProc puts p at the tail of the ready queue.
func (k *Kernel) readyProc(p *Process) {
	k.ready.enqueue(p)
	p.state = abi.StateReady
}

// next dequeues the next process to run. The idle process is returned only
// when no user process is ready: if it surfaces at the head while another
// process waits behind it, it is re-enqueued and the user process runs.
func (k *Kernel) next() *Process {
	p := k.ready.dequeue()
	if p == nil {
		return nil
	}
	if p == k.idle {
		if q := k.ready.dequeue(); q != nil {
			k.readyProc(p)
			return q
		}
		return p
	}
	return p
}

// removeFromReady unlinks a ready process, for kill paths.
func (k *Kernel) removeFromReady(p *Process) {
	if k.ready.empty() {
		k.log.Error("ready queue corrupt, empty when it shouldn't be")
		return
	}
	k.ready.remove(p)
	if k.ready.empty() && k.idle != nil && k.idle.state == abi.StateReady {
		k.log.Error("kernel bug: where is the idle process")
	}
}

// Run is the dispatcher: resume the next runnable process, decode its trap,
// service it, repeat. It returns when no process is ready (the idle process
// was destroyed) or, with HaltWhenIdle, when only the idle process remains.
func (k *Kernel) Run() {
	p := k.next()
	for p != nil && !k.halted {
		// Deliver at most one pending signal per iteration, highest
		// number first, before the process re-enters user code.
		if !p.inSignalFrame && p.pending != 0 {
			k.setupTrampoline(p)
		}

		p.state = abi.StateRunning
		k.current = p
		req, args := k.gw.Switch(p.ctx, p.ret)
		p.trapArgs = args

		switch req {
		case abi.SysCreate:
			ar := k.args(args)
			entry := ar.addrArg()
			stackSize := ar.word()
			p.ret = k.create(entry, stackSize)

		case abi.SysYield:
			k.readyProc(p)
			p = k.next()

		case abi.SysStop:
			k.stop(p)
			p = k.next()

		case abi.SysKill:
			ar := k.args(args)
			pid := ar.intArg()
			signum := int(ar.intArg())
			switch k.signal(pid, signum) {
			case 0:
				p.ret = 0
			case -1:
				p.ret = abi.ErrNoSuchPid
			case -2:
				p.ret = abi.ErrBadSignal
			}

		case abi.SysKillProc:
			ar := k.args(args)
			p.ret = k.killProcess(p, ar.intArg())

		case abi.SysCPUTimes:
			ar := k.args(args)
			p.ret = k.cpuTimes(p, ar.addrArg())

		case abi.SysPuts:
			ar := k.args(args)
			k.puts(ar.addrArg())
			p.ret = 0

		case abi.SysGetPid:
			p.ret = p.pid

		case abi.SysSleep:
			ar := k.args(args)
			k.sleep(p, ar.word())
			p = k.next()

		case abi.SysTimerTick:
			k.tick()
			p.cpuTicks++
			k.readyProc(p)
			k.gw.EndOfInterrupt()
			p = k.next()

		case abi.SysSigHandler:
			ar := k.args(args)
			signum := int(ar.intArg())
			newHandler := ar.addrArg()
			oldOut := ar.addrArg()
			p.ret = k.sigHandler(p, signum, newHandler, oldOut)

		case abi.SysSigReturn:
			ar := k.args(args)
			k.sigReturn(p, ar.addrArg())

		case abi.SysWait:
			ar := k.args(args)
			if k.wait(p, ar.intArg()) {
				p = k.next()
			}

		case abi.SysOpen:
			ar := k.args(args)
			if k.diOpen(p, int(ar.intArg())) {
				p = k.next()
			}

		case abi.SysClose:
			ar := k.args(args)
			if k.diClose(p, int(ar.intArg())) {
				p = k.next()
			}

		case abi.SysRead:
			ar := k.args(args)
			fd := int(ar.intArg())
			buf := ar.addrArg()
			n := ar.word()
			if k.diRead(p, fd, buf, n) {
				p = k.next()
			}

		case abi.SysWrite:
			ar := k.args(args)
			fd := int(ar.intArg())
			buf := ar.addrArg()
			n := ar.word()
			if k.diWrite(p, fd, buf, n) {
				p = k.next()
			}

		case abi.SysIoctl:
			ar := k.args(args)
			fd := int(ar.intArg())
			command := ar.word()
			va := ar.addrArg()
			if k.diIoctl(p, fd, command, va) {
				p = k.next()
			}

		case abi.SysKeybdIntr:
			if fn := k.irqHandlers[machine.IRQKeyboard]; fn != nil {
				fn()
			}
			k.gw.EndOfInterrupt()

		default:
			k.log.WithFields(logrus.Fields{"req": req, "pid": p.pid}).Warn("bad sys request")
		}
	}
	k.gw.Shutdown()
	if p == nil {
		k.log.Info("out of processes: dying")
	}
	// Nothing will resume the survivors; release their goroutines.
	for i := range k.procs {
		if s := &k.procs[i]; s.state != abi.StateStopped && s.ctx != nil {
			k.gw.DestroyContext(s.ctx)
		}
	}
}

// puts copies a NUL-terminated string out of user memory onto the console.
func (k *Kernel) puts(str machine.Addr) {
	s, err := k.mem.CString(str, 4096)
	if err != nil {
		k.log.WithField("addr", fmt.Sprintf("%#x", str)).Warn("puts with bad string address")
		return
	}
	fmt.Fprint(k.console, s)
}
