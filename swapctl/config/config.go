// Copyright 2026 The gVisor Authors.
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


// Package config holds the swapctl configuration.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/drum/pkg/log"
)

// Config holds configuration that applies to every swapctl command.
//
// Fields carrying a "flag" tag are populated from the flag of that name.
type Config struct {
	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Table is the path of the swap table.
	Table string `flag:"table"`

	// Lock is the path of the lock file that serializes swapctl runs.
	Lock string `flag:"lock"`

	// Encrypt enables encryption of swapped pages.
	Encrypt bool `flag:"encrypt"`

	// DrainTimeout bounds the wait for in-flight I/O when taking a device
	// offline.
	DrainTimeout time.Duration `flag:"drain-timeout"`

	// BounceLimit caps the pages used for bounce buffers. Zero means no
	// cap.
	BounceLimit int `flag:"bounce-limit"`

	// BounceReserve is the number of bounce pages held back from I/O.
	BounceReserve int `flag:"bounce-reserve"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain timeout %v must not be negative", c.DrainTimeout)
	}
	if c.BounceLimit < 0 || c.BounceReserve < 0 {
		return fmt.Errorf("bounce limit %d and reserve %d must not be negative", c.BounceLimit, c.BounceReserve)
	}
	if c.BounceLimit > 0 && c.BounceReserve >= c.BounceLimit {
		return fmt.Errorf("bounce reserve %d leaves nothing of limit %d", c.BounceReserve, c.BounceLimit)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
