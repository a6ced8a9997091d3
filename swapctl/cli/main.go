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


//go:build linux
// +build linux

// Package cli is the main entrypoint for swapctl.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/log"
	"gvisor.dev/drum/swapctl/cmd"
	"gvisor.dev/drum/swapctl/cmd/util"
	"gvisor.dev/drum/swapctl/config"
	"gvisor.dev/drum/swapctl/flag"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf(err.Error())
	}

	// Set up logging. Only warnings reach stderr unless debugging.
	log.SetTarget(newEmitter(conf.LogFormat, flag.CommandLine.Arg(0), os.Stderr))
	if conf.Debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Warning)
	}
	log.Infof("swapctl: %s, %s, PID %d, UID %d", runtime.Version(), runtime.GOARCH, os.Getpid(), os.Getuid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	// Devices are taken offline before exiting on a signal.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	status := subcommands.Execute(ctx, conf)
	stop()
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by
// swapctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Check), "")
	cb(new(cmd.Stats), "")

	const helperGroup = "helpers"
	cb(new(cmd.Mkfile), helperGroup)
}

func newEmitter(format, command string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
