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

package main

import (
	"strconv"
	"strings"

	"github.com/rutigs/skrtos/pkg/abi"
	"github.com/rutigs/skrtos/pkg/machine"
	"github.com/rutigs/skrtos/pkg/usys"
)

// Example user programs. These are not kernel code; they exercise the
// syscall surface the way the stock init did.

const (
	sysUser = "skrt"
	sysPass = "EveryoneGetsAnA"
)

// initProgram is the first scheduled process: a minimal login flow over the
// keyboard device, then a demo that exercises processes and signals.
func initProgram(env *usys.Env) {
	for {
		env.Puts("\n\nWelcome to SKRT OS.\nAn experimental OS.\n")

		fd := env.Open(0)
		if fd < 0 {
			env.Puts("No keyboard available; skipping login.\n")
			demoProgram(env)
			return
		}

		env.Ioctl(int(fd), abi.KeyboardEchoOn)
		env.Puts("\nUsername: ")
		username := readLine(env, int(fd))

		env.Ioctl(int(fd), abi.KeyboardEchoOff)
		env.Puts("\nPassword: ")
		password := readLine(env, int(fd))

		env.Close(int(fd))

		if username != sysUser {
			env.Puts("\nUsername invalid\n")
			continue
		}
		if password != sysPass {
			env.Puts("\nPassword invalid\n")
			continue
		}

		env.Puts("\nLogin ok.\n")
		demoProgram(env)
		return
	}
}

// readLine reads up to 64 bytes from fd, stopping at a newline, and trims
// the terminator.
func readLine(env *usys.Env, fd int) string {
	buf, err := env.Alloc(64)
	if err != nil {
		return ""
	}
	defer env.Free(buf)
	n := env.Read(fd, buf, 64)
	if n <= 0 {
		return ""
	}
	raw, err := env.Mem().Bytes(buf, uint32(n))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(raw), "\r\n")
}

// demoProgram shows off scheduling: three workers taking turns, a sleeper
// cut short by a signal, and a process status listing.
func demoProgram(env *usys.Env) {
	for _, letter := range []string{"A", "B", "C"} {
		letter := letter
		env.Create(func(env *usys.Env) {
			for i := 0; i < 3; i++ {
				env.Puts(letter)
				env.Yield()
			}
		}, abi.ProcStack)
	}

	sleeper := env.Create(func(env *usys.Env) {
		env.SigHandler(5, func(env *usys.Env, ctx machine.Addr) {
			env.Puts("\n[sleeper] signalled\n")
		})
		left := env.Sleep(5000)
		env.Puts("[sleeper] woke with " + strconv.Itoa(int(left)) + "ms left\n")
	}, abi.ProcStack)

	env.Sleep(50)
	env.Kill(sleeper, 5)
	env.Wait(sleeper)

	env.Puts("\n")
	statuses, last := env.ProcessStatuses()
	if last >= 0 {
		for _, st := range statuses {
			env.Puts("pid " + strconv.Itoa(int(st.Pid)) +
				" state " + st.State.String() +
				" cpu " + strconv.Itoa(int(st.CPUTimeMs)) + "ms\n")
		}
	}
}
