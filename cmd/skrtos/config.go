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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the machine description read at boot.
type Config struct {
	// MemoryBytes is the modeled RAM size; it must exceed the 1 MiB
	// adapter hole.
	MemoryBytes uint32 `yaml:"memory_bytes"`

	// TickMs is the timer quantum in milliseconds.
	TickMs int `yaml:"tick_ms"`

	// HaltWhenIdle ends the run once every user process has stopped.
	HaltWhenIdle bool `yaml:"halt_when_idle"`

	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
}

// defaultConfig returns the stock machine.
func defaultConfig() Config {
	return Config{
		MemoryBytes:  4 << 20,
		TickMs:       10,
		HaltWhenIdle: false,
		LogLevel:     "info",
	}
}

// loadConfig overlays the YAML file at path onto the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
