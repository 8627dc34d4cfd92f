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

// Package stage defines the contract shared by every element of a pipeline:
// a singly-linked chain of transformations over positioned, offset-addressed
// I/O.
//
// # Summary
//
// A pipeline is built bottom-up from a sequence of [Stage] values, each
// owning its single successor exclusively. The topmost stage is what an
// application holds and is the only stage the application ever calls
// directly; every other stage is reached only by delegation. There is no
// fan-out: a stage always has at most one successor (the [splitfile] stage
// is a deliberate, documented exception, since it is the one place the
// pipeline must address more than one underlying file).
//
// All I/O is positioned. There is no "current offset" carried by a stage
// between calls; the caller supplies the offset on every Read and Write.
// This is what lets independent handles over the same file coexist without
// coordination, and what makes the alignment contract in [Stage.BlockSize]
// checkable on every single call rather than only at seek time.
//
// [splitfile]: https://godoc.org/github.com/creachadair/pipefile/splitfile
package stage

import (
	"context"
	"os"
)

// Open-time flags, aliased from the os package so callers can pass the
// familiar os.O_RDONLY / os.O_WRONLY / os.O_RDWR / os.O_CREATE / os.O_TRUNC
// constants directly; a Stage's Open interprets them with Posix semantics.
const (
	RDONLY = os.O_RDONLY
	WRONLY = os.O_WRONLY
	RDWR   = os.O_RDWR
	CREAT  = os.O_CREATE
	TRUNC  = os.O_TRUNC
	APPEND = os.O_APPEND
)

// A Stage is one transformation in a pipeline. Every stage exposes exactly
// these operations; on failure a stage records its own *Error, retrievable
// via Err, until ClearError or a successful Open clears it.
//
// Stages are not safe for concurrent use: at most one operation may be
// outstanding on a stage at a time, and a stage may be invoked only between
// a successful Open and the matching Close.
type Stage interface {
	// Open prepares the stage and cascades down to its successor. Flags
	// follow Posix semantics; a stage may internally upgrade WRONLY to RDWR
	// when it must read-modify-write (see buffered.Stage). Open clears any
	// previously recorded error and fills in BlockSize.
	Open(ctx context.Context, path string, flags int, mode os.FileMode) error

	// Read reads into buf starting at offset, which together with len(buf)
	// must be a multiple of BlockSize except for a final partial block at
	// end of file. It returns the number of bytes read; 0 with a nil error
	// means end of file (see EOF). ctx is passed to the successor unchanged
	// and is not interpreted by the framework.
	Read(ctx context.Context, buf []byte, offset int64) (int, error)

	// Write writes buf at offset, with the same alignment contract as Read.
	// A partial block is only legal as the final block of the file; writing
	// a partial block elsewhere is rejected, and writing past
	// the current end of file fails with ErrHole.
	Write(ctx context.Context, buf []byte, offset int64) (int, error)

	// Close flushes any buffered state, closes the successor, and releases
	// resources. The stage is invalid after Close returns, even on error.
	Close(ctx context.Context) error

	// Sync flushes buffered state and delegates to the successor. After a
	// successful Sync, all prior successful Writes are durable.
	Sync(ctx context.Context) error

	// Truncate sets the logical size of the file to offset, which must be a
	// multiple of BlockSize. Stages that cannot support this (framing
	// stages that would need to rewrite a header) report ErrUnsupported.
	Truncate(ctx context.Context, offset int64) error

	// Size reports the current logical size of the file, which may require
	// reading the final block of the successor to determine precisely (see
	// aead.Stage.Size).
	Size(ctx context.Context) (int64, error)

	// BlockSize reports the alignment and size unit this stage requires of
	// its caller. It is meaningful only between Open and Close; a stage
	// that buffers publishes 1 (see spec.md §4.2).
	BlockSize() int64

	// EOF reports whether the most recent Read reached end of file.
	EOF() bool

	// Err returns the sticky error recorded by the most recent failing
	// operation, or nil. This folds the framework's separate error-code and
	// message-string operations into the single idiomatic Go error value;
	// use errors.As to recover the *Error and its Code.
	Err() error

	// ClearError clears the sticky error recorded by Err, allowing the
	// stage to be used again after a non-fatal failure.
	ClearError()
}

// State is embedded by stage implementations to provide the Err/ClearError/
// EOF bookkeeping uniformly, the way every concrete [Stage] in this module
// does it.
type State struct {
	err error
	eof bool
}

// Err implements part of the [Stage] interface.
func (s *State) Err() error { return s.err }

// ClearError implements part of the [Stage] interface.
func (s *State) ClearError() { s.err = nil }

// EOF implements part of the [Stage] interface.
func (s *State) EOF() bool { return s.eof }

// SetErr records err (which may be nil, to clear the slot) and returns it,
// so call sites can write `return 0, s.SetErr(...)`.
func (s *State) SetErr(err error) error {
	s.err = err
	return err
}

// SetEOF updates the EOF flag most recently observed by Read.
func (s *State) SetEOF(eof bool) { s.eof = eof }

// Reset clears both the error slot and the EOF flag; called at the start of
// a successful Open.
func (s *State) Reset() {
	s.err = nil
	s.eof = false
}
