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


package config

import (
	"strings"
	"testing"
	"time"

	"gvisor.dev/drum/swapctl/flag"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.DrainTimeout != 30*time.Second {
		t.Errorf("DrainTimeout=%v, want: 30s", c.DrainTimeout)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, val := range map[string]string{
		"table":         "/tmp/swaptab.toml",
		"encrypt":       "true",
		"drain-timeout": "5s",
		"bounce-limit":  "64",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "/tmp/swaptab.toml"; c.Table != want {
		t.Errorf("Table=%v, want: %v", c.Table, want)
	}
	if want := true; c.Encrypt != want {
		t.Errorf("Encrypt=%v, want: %v", c.Encrypt, want)
	}
	if want := 5 * time.Second; c.DrainTimeout != want {
		t.Errorf("DrainTimeout=%v, want: %v", c.DrainTimeout, want)
	}
	if want := 64; c.BounceLimit != want {
		t.Errorf("BounceLimit=%v, want: %v", c.BounceLimit, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("debug", "true")
	testFlags.Set("encrypt", "false") // Matches default value.
	testFlags.Set("drain-timeout", "1m")
	testFlags.Set("bounce-limit", "16")
	testFlags.Set("bounce-reserve", "4")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 4 {
		t.Errorf("wrong number of flags set, want: 4, got: %d: %s", len(flags), flags)
	}
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.Split(f, "=")
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--debug":          "true",
		"--drain-timeout":  "1m0s",
		"--bounce-limit":   "16",
		"--bounce-reserve": "4",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
	}{
		{name: "log format", flags: map[string]string{"log-format": "xml"}},
		{name: "negative timeout", flags: map[string]string{"drain-timeout": "-1s"}},
		{name: "negative limit", flags: map[string]string{"bounce-limit": "-1"}},
		{name: "reserve covers limit", flags: map[string]string{"bounce-limit": "8", "bounce-reserve": "8"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Flag set: %v", err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.flags)
			}
		})
	}
}
