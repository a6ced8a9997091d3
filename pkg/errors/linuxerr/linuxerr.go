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

// Package linuxerr contains the error codes returned by the swap subsystem,
// exported as error interface pointers. This allows for fast comparison and
// return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/drum/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct (these are *errors.Error) they are
// not directly comparable; use Equals or ToUnix.
var (
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	EIO    = errors.New(unix.EIO, "I/O error")
	ENXIO  = errors.New(unix.ENXIO, "no such device or address")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
)

var errnoTable = map[unix.Errno]*errors.Error{
	unix.ENOENT: ENOENT,
	unix.EIO:    EIO,
	unix.ENXIO:  ENXIO,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EBUSY:  EBUSY,
	unix.ENODEV: ENODEV,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
}

// ErrorFromUnix returns the *errors.Error for err, or err itself (as an
// error) if the errno has no entry here.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errnoTable[err]; ok {
		return e
	}
	return err
}

// ToUnix returns the unix.Errno carried by err, following wrapped errors.
// It returns 0 if err carries no errno.
func ToUnix(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return u
	}
	return 0
}

// Equals checks whether err is, or wraps, e or the unix.Errno it carries.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	return goerrors.Is(err, e) || ToUnix(err) == e.Errno()
}
