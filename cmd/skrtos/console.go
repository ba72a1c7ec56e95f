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
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/rutigs/skrtos/pkg/devices/kbd"
	"github.com/rutigs/skrtos/pkg/platform"
)

// consoleFeeder turns host terminal input into scan codes for the modeled
// keyboard controller, so typed characters travel the driver's real
// translation path.
type consoleFeeder struct {
	gw       *platform.Gateway
	log      logrus.FieldLogger
	restore  func()
	done     chan struct{}
	finished chan struct{}
}

// startConsole puts stdin in raw mode (when it is a terminal) and begins
// feeding. The returned feeder must be stopped to restore the terminal.
func startConsole(gw *platform.Gateway, log logrus.FieldLogger) *consoleFeeder {
	f := &consoleFeeder{
		gw:       gw,
		log:      log.WithField("subsystem", "console"),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if state, err := term.MakeRaw(fd); err == nil {
			f.restore = func() { _ = term.Restore(fd, state) }
		} else {
			f.log.WithError(err).Warn("cannot enter raw mode")
		}
	}
	go f.loop()
	return f
}

func (f *consoleFeeder) loop() {
	defer close(f.finished)
	buf := make([]byte, 64)
	for {
		select {
		case <-f.done:
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for _, b := range buf[:n] {
			// The host terminal sends CR for the return key.
			if b == '\r' {
				b = '\n'
			}
			codes, ok := kbd.EncodeByte(b)
			if !ok {
				continue
			}
			for _, code := range codes {
				f.gw.PushScanCode(code)
			}
		}
	}
}

// stop restores the terminal. The reader goroutine exits on the next stdin
// read.
func (f *consoleFeeder) stop() {
	close(f.done)
	if f.restore != nil {
		f.restore()
	}
}
