// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
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

package stage

import (
	"errors"
	"fmt"
)

// Code classifies the kind of failure recorded by a [Stage], per the error
// taxonomy of the pipeline: end-of-file is not a Code at all (it is carried
// by the EOF predicate, not an error value); the codes below partition the
// remaining failure kinds.
type Code int

const (
	// CodeSystem marks a failure reported by the terminal stage's underlying
	// system calls. Non-sticky: a ClearError permits the caller to retry.
	CodeSystem Code = iota + 1

	// CodeStack marks an internal protocol violation: hole creation,
	// misalignment, a malformed header, an incompatible block size. Sticky
	// until ClearError or a new Open.
	CodeStack

	// CodeCrypto marks a failure from the underlying cryptographic library
	// (bad tag, a key the cipher rejects). Treated as a stack error with the
	// library's message attached.
	CodeCrypto
)

func (c Code) String() string {
	switch c {
	case CodeSystem:
		return "system"
	case CodeStack:
		return "stack"
	case CodeCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Error is the error carrier a [Stage] records in its error slot. The
// concrete type is always *Error; callers that need the code or operation
// name should use [errors.As].
type Error struct {
	Code  Code   // the kind of failure
	Op    string // the stage operation during which the failure occurred
	Stage string // a short name for the reporting stage, e.g. "aead"
	Err   error  // the underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf constructs an *Error for the named stage and operation, wrapping
// err (which may itself be a *Error, in which case it nests normally under
// errors.Unwrap).
func Errorf(stageName, op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Stage: stageName, Err: err}
}

// Sentinel causes recorded as the Err field of a *Error with Code ==
// CodeStack. Use errors.Is to test for these.
var (
	// ErrHole reports that a Write was attempted at an offset beyond the
	// current end of file, which would create an unaddressed gap.
	ErrHole = errors.New("write would create a hole")

	// ErrMisaligned reports that an offset or size was not a multiple of
	// the addressed stage's block size (and was not a legal final partial
	// block).
	ErrMisaligned = errors.New("offset or size is not block-aligned")

	// ErrUnsupported reports that the operation is not implemented by this
	// stage (for example, Truncate on a stage that has not implemented
	// block rewriting, or O_APPEND on a framing stage).
	ErrUnsupported = errors.New("operation not supported by this stage")

	// ErrClosed reports that an operation was attempted on a stage outside
	// its open/close window.
	ErrClosed = errors.New("stage is closed")

	// ErrTagMismatch reports that authenticated decryption failed: either
	// the ciphertext or its tag was corrupted or tampered with.
	ErrTagMismatch = errors.New("authentication tag mismatch")

	// ErrRecordCorrupted reports that a framed record's length prefix did
	// not match the bytes actually available from the successor stage.
	ErrRecordCorrupted = errors.New("record corrupted")
)

// IsHole reports whether err is or wraps [ErrHole].
func IsHole(err error) bool { return errors.Is(err, ErrHole) }

// IsMisaligned reports whether err is or wraps [ErrMisaligned].
func IsMisaligned(err error) bool { return errors.Is(err, ErrMisaligned) }

// IsUnsupported reports whether err is or wraps [ErrUnsupported].
func IsUnsupported(err error) bool { return errors.Is(err, ErrUnsupported) }
