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

// Package platform implements the trap gateway: the bi-directional crossing
// between a user process and the kernel.
//
// Each process body runs on its own goroutine. A syscall stub crosses into
// the kernel by pushing its argument list and a full context frame onto the
// process stack, then parking on a rendezvous channel; the dispatcher
// crosses back by poking the scheduled return value into the saved
// accumulator slot and issuing a resume directive. From the dispatcher's
// viewpoint Switch is atomic: it either delivers a latched interrupt without
// touching the process, or runs the process until its next trap.
//
// Interrupts raised while user code runs are latched by the interrupt
// controller and surface at the next gateway entry, which preserves the
// original accumulator of the interrupted process across a tick.
package platform

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/arch"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

// stackFill is the sentinel written over a fresh context frame.
const stackFill = 0xA5

// trampolineSymbol and stopSymbol are the reserved text markers the gateway
// interprets: a frame resuming at the trampoline address runs a signal
// handler; the stop address is planted in the synthetic return slot of every
// fresh stack.
func trampolineSymbol() {}
func stopSymbol()       {}

// directiveKind discriminates resume directives.
type directiveKind int

const (
	// directiveStart begins execution of the program body.
	directiveStart directiveKind = iota

	// directiveRet completes the pending trap with a return value.
	directiveRet

	// directiveCall runs a signal handler and traps sigreturn after it.
	directiveCall

	// directiveExit tears the process goroutine down.
	directiveExit
)

type directive struct {
	kind    directiveKind
	value   int32
	handler usys.Handler
	ctx     machine.Addr
}

// trapMsg carries a raised trap to the dispatcher.
type trapMsg struct {
	req  uint32
	args machine.Addr
}

// Options configures a Gateway.
type Options struct {
	// TimerMode selects host or virtual time.
	TimerMode TimerMode

	// TickMs is the timer quantum in milliseconds.
	TickMs int

	Log logrus.FieldLogger
}

// Gateway is the machine's trap plumbing: the interrupt controller, the
// keyboard controller, the text registry and the per-process contexts hang
// off it. It is built once at boot, before the first process.
type Gateway struct {
	mem   *machine.Memory
	alloc *machine.Allocator
	text  *machine.TextRegistry
	ic    *machine.InterruptController
	kbd   *machine.KeyboardController
	timer *Timer
	log   logrus.FieldLogger

	trampoline machine.Addr
	stopText   machine.Addr

	// idle is the context that runs when nothing else is ready; switching
	// to it is the machine's halt-until-interrupt point.
	idle *Context
}

// New wires a gateway to the machine. This is the set_trap_vector moment:
// the trampoline and stop symbols get their text addresses here.
func New(mem *machine.Memory, alloc *machine.Allocator, opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ic := machine.NewInterruptController()
	g := &Gateway{
		mem:   mem,
		alloc: alloc,
		text:  machine.NewTextRegistry(),
		ic:    ic,
		kbd:   machine.NewKeyboardController(ic),
		log:   log.WithField("subsystem", "platform"),
	}
	g.trampoline = g.text.Register(trampolineSymbol)
	g.stopText = g.text.Register(stopSymbol)
	g.timer = newTimer(ic, opts.TimerMode, opts.TickMs)
	return g
}

// Start arms the timer. Interrupt delivery is possible from here on.
func (g *Gateway) Start() { g.timer.start() }

// Shutdown disarms the timer.
func (g *Gateway) Shutdown() { g.timer.stop() }

// Text returns the text registry.
func (g *Gateway) Text() *machine.TextRegistry { return g.text }

// TrampolineAddr returns the signal trampoline's text address.
func (g *Gateway) TrampolineAddr() machine.Addr { return g.trampoline }

// SetIdleContext identifies the idle process's context. In virtual time
// mode, switching to it advances the clock by one tick.
func (g *Gateway) SetIdleContext(c *Context) { g.idle = c }

// SetIRQMask masks or unmasks an interrupt line.
func (g *Gateway) SetIRQMask(irq machine.IRQ, masked bool) { g.ic.SetMask(irq, masked) }

// EndOfInterrupt acknowledges the in-service hardware interrupt.
func (g *Gateway) EndOfInterrupt() { g.ic.EndOfInterrupt() }

// InPort reads a keyboard controller port; the keyboard ISR's inb.
func (g *Gateway) InPort(port uint16) byte { return g.kbd.In(port) }

// PushScanCode feeds one scan code into the keyboard controller. The host
// console and tests produce input through it.
func (g *Gateway) PushScanCode(code byte) { g.kbd.Push(code) }

// Context is the gateway's per-process state: the goroutine rendezvous, the
// stack bounds and the saved stack pointer.
type Context struct {
	g     *Gateway
	prog  usys.Program
	env   *usys.Env
	entry machine.Addr

	stackBase machine.Addr
	stackTop  machine.Addr

	// sp is the saved stack pointer: the base of the context frame the
	// process will resume through. The kernel moves it when it builds or
	// unwinds signal frames; the stub moves it when it traps.
	sp machine.Addr

	traps      chan trapMsg
	directives chan directive

	// started is true once the goroutine exists; entered once the
	// program body has begun.
	started bool
	entered bool
	dead    bool
}

// NewContext builds a fresh process context on the given stack: sentinel
// fill, initial frame resuming at entry, and the stop syscall's address in
// the synthetic return slot so a program that runs off its end terminates
// cleanly.
func (g *Gateway) NewContext(prog usys.Program, stackBase machine.Addr, stackSize uint32, entry machine.Addr) (*Context, error) {
	top := stackBase + machine.Addr(stackSize)
	frame := top - arch.StackSlack - arch.FrameSize
	if err := g.mem.Fill(frame, arch.FrameSize, stackFill); err != nil {
		return nil, err
	}
	if err := g.mem.SetWord(top-arch.StackSlack, uint32(g.stopText)); err != nil {
		return nil, err
	}
	const fill = 0xA5A5A5A5
	f := arch.Frame{
		EDI: fill, ESI: fill, EBX: fill, EDX: fill, ECX: fill, EAX: fill,
		ESP:     uint32(frame) + arch.FrameSize,
		EBP:     uint32(frame) + arch.FrameSize,
		IretEIP: uint32(entry),
		IretCS:  arch.CodeSegment,
		EFlags:  arch.StartingEFlags,
	}
	if err := f.Write(g.mem, frame); err != nil {
		return nil, err
	}
	c := &Context{
		g:          g,
		prog:       prog,
		entry:      entry,
		stackBase:  stackBase,
		stackTop:   top,
		sp:         frame,
		traps:      make(chan trapMsg),
		directives: make(chan directive),
	}
	c.env = usys.NewEnv(c)
	return c, nil
}

// SP returns the saved stack pointer.
func (c *Context) SP() machine.Addr { return c.sp }

// SetSP moves the saved stack pointer. Only the kernel calls it, and only
// while the process is suspended.
func (c *Context) SetSP(sp machine.Addr) { c.sp = sp }

// Bounds returns the stack extent [base, top).
func (c *Context) Bounds() (machine.Addr, machine.Addr) { return c.stackBase, c.stackTop }

// Trap implements usys.Trapper. It runs on the process goroutine.
func (c *Context) Trap(req uint32, args []uint32) int32 {
	argsAddr := c.sp
	if len(args) > 0 {
		argsAddr = c.sp - machine.Addr(4*len(args))
		for i, a := range args {
			if err := c.g.mem.SetWord(argsAddr+machine.Addr(4*i), a); err != nil {
				panic(fmt.Sprintf("platform: argument push at %#x failed: %v", argsAddr, err))
			}
		}
	}
	frameAddr := argsAddr - arch.FrameSize
	if frameAddr < c.stackBase {
		panic(fmt.Sprintf("platform: stack overflow, sp %#x below base %#x", frameAddr, c.stackBase))
	}
	f := arch.Frame{
		ESP:     uint32(argsAddr),
		EBP:     uint32(argsAddr),
		EAX:     req,
		EDX:     uint32(argsAddr),
		IretEIP: uint32(c.entry),
		IretCS:  arch.CodeSegment,
		EFlags:  arch.StartingEFlags | arch.ArmInterrupts,
	}
	if err := f.Write(c.g.mem, frameAddr); err != nil {
		panic(fmt.Sprintf("platform: frame push at %#x failed: %v", frameAddr, err))
	}
	prevSP := c.sp
	c.sp = frameAddr
	c.traps <- trapMsg{req: req, args: argsAddr}

	// The sigreturn stub never waits: the kernel unwinds the trampoline
	// and the next resume lands on the interrupted frame below it.
	if req == abi.SysSigReturn {
		return 0
	}

	for {
		d := <-c.directives
		switch d.kind {
		case directiveRet:
			c.sp = prevSP
			return d.value
		case directiveCall:
			c.runHandler(d)
		case directiveExit:
			runtime.Goexit()
		default:
			panic(fmt.Sprintf("platform: unexpected directive %d inside trap", d.kind))
		}
	}
}

// RegisterText implements usys.Trapper.
func (c *Context) RegisterText(fn any) machine.Addr { return c.g.text.Register(fn) }

// Memory implements usys.Trapper.
func (c *Context) Memory() *machine.Memory { return c.g.mem }

// Allocate implements usys.Trapper.
func (c *Context) Allocate(size uint32) (machine.Addr, error) { return c.g.alloc.Allocate(size) }

// Free implements usys.Trapper.
func (c *Context) Free(addr machine.Addr) { c.g.alloc.Free(addr) }

// runHandler executes a signal handler in user mode, then raises the
// sigreturn trap the trampoline frame promises.
func (c *Context) runHandler(d directive) {
	d.handler(c.env, d.ctx)
	c.Trap(abi.SysSigReturn, []uint32{uint32(d.ctx)})
}

// ensureStarted spawns the process goroutine on first resume. A process can
// be resumed first through a signal trampoline, so the goroutine's top-level
// loop accepts call directives before the start directive.
func (c *Context) ensureStarted() {
	if c.started {
		return
	}
	c.started = true
	go c.shim()
}

func (c *Context) shim() {
	for {
		d := <-c.directives
		switch d.kind {
		case directiveStart:
			c.prog(c.env)
			// Falling off the end lands in the synthetic stop slot.
			c.Trap(abi.SysStop, nil)
			return
		case directiveCall:
			c.runHandler(d)
		case directiveExit:
			return
		default:
			panic(fmt.Sprintf("platform: unexpected directive %d before start", d.kind))
		}
	}
}

// DestroyContext tears down a context whose process has stopped. The
// goroutine, if it ever started, is parked on its directive channel; it is
// released and exits.
func (g *Gateway) DestroyContext(c *Context) {
	if c.dead {
		return
	}
	c.dead = true
	if !c.started {
		return
	}
	c.directives <- directive{kind: directiveExit}
}

// Switch crosses into process c with return value rv and blocks until the
// kernel regains control. It returns the request code and the trap argument
// pointer; for hardware interrupts the synthetic codes SysTimerTick and
// SysKeybdIntr are returned without running the process, leaving its saved
// state untouched.
func (g *Gateway) Switch(c *Context, rv int32) (uint32, machine.Addr) {
	if c == g.idle {
		g.timer.idleEntered()
	}
	if irq, ok := g.ic.Deliver(); ok {
		switch irq {
		case machine.IRQTimer:
			return abi.SysTimerTick, machine.Null
		case machine.IRQKeyboard:
			return abi.SysKeybdIntr, machine.Null
		default:
			g.log.WithField("irq", irq).Warn("spurious interrupt")
			g.ic.EndOfInterrupt()
		}
	}

	if err := arch.PokeEAX(g.mem, c.sp, uint32(rv)); err != nil {
		panic(fmt.Sprintf("platform: poke of return value at %#x failed: %v", c.sp, err))
	}
	eip, err := arch.PeekEIP(g.mem, c.sp)
	if err != nil {
		panic(fmt.Sprintf("platform: frame decode at %#x failed: %v", c.sp, err))
	}

	switch {
	case machine.Addr(eip) == g.trampoline:
		// Trampoline frame: the two words above the pushed null return
		// address are the handler and the context it returns through.
		handlerWord, _ := g.mem.Word(c.sp + arch.FrameSize + 4)
		ctxWord, _ := g.mem.Word(c.sp + arch.FrameSize + 8)
		sym, ok := g.text.Lookup(machine.Addr(handlerWord))
		if !ok {
			panic(fmt.Sprintf("platform: trampoline handler %#x not in text", handlerWord))
		}
		h, ok := sym.(usys.Handler)
		if !ok {
			panic(fmt.Sprintf("platform: text symbol %#x is not a signal handler", handlerWord))
		}
		c.ensureStarted()
		c.directives <- directive{kind: directiveCall, handler: h, ctx: machine.Addr(ctxWord)}
	case !c.entered:
		c.entered = true
		c.ensureStarted()
		c.directives <- directive{kind: directiveStart}
	default:
		c.directives <- directive{kind: directiveRet, value: rv}
	}

	t := <-c.traps
	return t.req, t.args
}
