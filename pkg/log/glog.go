// Copyright 2018 The gVisor Authors.
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


package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] [command] msg
//
// L is the level letter (D, I or W) and pid is padded to seven columns as
// glog pads thread ids.
type GoogleEmitter struct {
	*Writer

	// Command, if set, tags every line with the command being run.
	Command string
}

// levelLetters maps each Level to the letter starting its lines.
var levelLetters = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

var pid = fmt.Sprintf("%7d", os.Getpid())

// caller returns "file:line" of the frame depth levels above the caller of
// caller, or "x:0" if it cannot be found.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "x:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b strings.Builder
	b.Grow(64 + len(g.Command) + len(format))

	letter := byte('?')
	if int(level) < len(levelLetters) {
		letter = levelLetters[level]
	}
	b.WriteByte(letter)
	b.WriteString(timestamp.Format("0102 15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(pid)
	b.WriteByte(' ')
	b.WriteString(caller(depth + 1))
	b.WriteString("] ")
	if g.Command != "" {
		b.WriteByte('[')
		b.WriteString(strings.ReplaceAll(g.Command, "%", "%%"))
		b.WriteString("] ")
	}

	// The format is passed on unexpanded; the Writer formats args.
	b.WriteString(format)
	b.WriteByte('\n')
	g.Writer.Emit(depth, level, timestamp, b.String(), args...)
}
