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

// Package posixfile implements the terminal stage of a pipeline: a thin
// wrapper over positioned system calls on a single [*os.File]. It publishes
// block_size = 1, so it imposes no alignment requirement of its own; every
// constraint a caller observes comes from a stage further up the chain.
package posixfile

import (
	"context"
	"io"
	"os"

	"github.com/creachadair/pipefile/stage"
)

// Stage implements [stage.Stage] directly atop an *os.File. It has no
// successor: it is always the bottom of a pipeline.
type Stage struct {
	stage.State

	f    *os.File
	path string
}

// New constructs an unopened terminal stage.
func New() *Stage { return new(Stage) }

// Open implements part of [stage.Stage].
func (s *Stage) Open(_ context.Context, path string, flags int, mode os.FileMode) error {
	s.Reset()
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return s.SetErr(stage.Errorf("posixfile", "Open", stage.CodeSystem, err))
	}
	s.f = f
	s.path = path
	return nil
}

// BlockSize implements part of [stage.Stage]. The terminal stage imposes no
// alignment constraint.
func (s *Stage) BlockSize() int64 { return 1 }

// Read implements part of [stage.Stage].
func (s *Stage) Read(_ context.Context, buf []byte, offset int64) (int, error) {
	n, err := s.f.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF {
			s.SetEOF(n == 0)
			return n, nil
		}
		return n, s.SetErr(stage.Errorf("posixfile", "Read", stage.CodeSystem, err))
	}
	s.SetEOF(false)
	return n, nil
}

// Write implements part of [stage.Stage].
func (s *Stage) Write(_ context.Context, buf []byte, offset int64) (int, error) {
	n, err := s.f.WriteAt(buf, offset)
	if err != nil {
		return n, s.SetErr(stage.Errorf("posixfile", "Write", stage.CodeSystem, err))
	}
	return n, nil
}

// Close implements part of [stage.Stage].
func (s *Stage) Close(_ context.Context) error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return s.SetErr(stage.Errorf("posixfile", "Close", stage.CodeSystem, err))
	}
	return nil
}

// Sync implements part of [stage.Stage].
func (s *Stage) Sync(_ context.Context) error {
	if err := s.f.Sync(); err != nil {
		return s.SetErr(stage.Errorf("posixfile", "Sync", stage.CodeSystem, err))
	}
	return nil
}

// Truncate implements part of [stage.Stage]. posixfile has no block size of
// its own, so any offset is accepted.
func (s *Stage) Truncate(_ context.Context, offset int64) error {
	if err := s.f.Truncate(offset); err != nil {
		return s.SetErr(stage.Errorf("posixfile", "Truncate", stage.CodeSystem, err))
	}
	return nil
}

// Size implements part of [stage.Stage].
func (s *Stage) Size(_ context.Context) (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return -1, s.SetErr(stage.Errorf("posixfile", "Size", stage.CodeSystem, err))
	}
	return fi.Size(), nil
}

// Path reports the path passed to the most recent successful Open.
func (s *Stage) Path() string { return s.path }
