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

// Command skrtos boots the kernel on a modeled 32-bit machine, wires the
// host terminal to the keyboard device, and schedules the example init
// program.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/rutigs/skrtos/pkg/devices/kbd"
	"github.com/rutigs/skrtos/pkg/kernel"
	"github.com/rutigs/skrtos/pkg/platform"
)

func main() {
	var (
		configPath   = flag.String("config", "", "machine description YAML")
		logLevel     = flag.String("log-level", "", "override the configured log level")
		haltWhenIdle = flag.Bool("halt-when-idle", false, "exit once all user processes stop")
		tickMs       = flag.Int("tick-ms", 0, "override the timer quantum")
		batch        = flag.Bool("batch", false, "virtual time, no terminal takeover")
	)
	flag.Parse()

	if err := run(*configPath, *logLevel, *haltWhenIdle, *tickMs, *batch); err != nil {
		fmt.Fprintf(os.Stderr, "skrtos: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, haltWhenIdle bool, tickMs int, batch bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if haltWhenIdle {
		cfg.HaltWhenIdle = true
	}
	if tickMs > 0 {
		cfg.TickMs = tickMs
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	mode := platform.TimerHost
	if batch {
		mode = platform.TimerVirtual
	}

	k, err := kernel.New(kernel.Options{
		MemorySize:   cfg.MemoryBytes,
		TickMs:       cfg.TickMs,
		TimerMode:    mode,
		HaltWhenIdle: cfg.HaltWhenIdle,
		Console:      os.Stdout,
		Log:          log,
	})
	if err != nil {
		return err
	}

	if _, err := kbd.Register(k); err != nil {
		return err
	}

	// Interactive runs get the login flow over the host terminal; batch
	// runs go straight to the demo so nothing blocks on a keyboard that
	// has no feeder.
	first := initProgram
	if batch {
		first = demoProgram
	} else {
		feeder := startConsole(k.Platform(), log)
		defer feeder.stop()
	}

	if err := k.Start(first); err != nil {
		return err
	}
	k.Run()
	return nil
}
