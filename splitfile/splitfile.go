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

// Package splitfile implements the file-splitting stage: a sequence of
// equally-sized segment files presented as a single logical terminal
// stage. Segment paths are <base>.0000, <base>.0001, and so on; a manifest
// file <base>.manifest records the configured segment size and the number
// of fully-written segments so Size does not need to stat every segment on
// every call.
//
// splitfile is the one stage that owns more than one successor: each
// positioned operation fans out to every segment it overlaps,
// rather than delegating wholesale to a single next stage.
package splitfile

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/creachadair/pipefile/posixfile"
	"github.com/creachadair/pipefile/stage"
)

// Options configures a Stage.
type Options struct {
	SegmentSize int64 // default 64 MiB
}

const defaultSegmentSize = 64 << 20

// Stage implements [stage.Stage] by fanning out to a sequence of segment
// files. BlockSize is 1: like posixfile, it tolerates sparse holes at the
// segment level and imposes no alignment of its own.
type Stage struct {
	stage.State

	base     string
	flags    int
	mode     os.FileMode
	segSize  int64
	segments []*posixfile.Stage // lazily opened; index i holds <base>.%04d

	fullSegments  int64 // count of segments known to be exactly segSize bytes
	fileSize      int64
	sizeConfirmed bool
}

// New constructs an unopened splitfile stage.
func New(opts Options) *Stage {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = defaultSegmentSize
	}
	return &Stage{segSize: opts.SegmentSize}
}

// BlockSize implements part of [stage.Stage].
func (s *Stage) BlockSize() int64 { return 1 }

func (s *Stage) segmentPath(i int64) string {
	return fmt.Sprintf("%s.%04d", s.base, i)
}

func (s *Stage) manifestPath() string { return s.base + ".manifest" }

// Open implements part of [stage.Stage]. If a manifest already exists its
// segment size governs, overriding whatever Options the caller constructed
// with — consistent with the AEAD stage honoring its on-disk header.
func (s *Stage) Open(_ context.Context, path string, flags int, mode os.FileMode) error {
	s.Reset()
	s.base = path
	s.flags = flags
	s.mode = mode
	s.segments = nil
	s.fileSize = 0
	s.sizeConfirmed = false

	if flags&stage.TRUNC != 0 {
		// Truncation discards every segment and the manifest.
		for i := int64(0); ; i++ {
			err := os.Remove(s.segmentPath(i))
			if os.IsNotExist(err) {
				break
			} else if err != nil {
				return s.SetErr(stage.Errorf("splitfile", "Open", stage.CodeSystem, err))
			}
		}
		if err := os.Remove(s.manifestPath()); err != nil && !os.IsNotExist(err) {
			return s.SetErr(stage.Errorf("splitfile", "Open", stage.CodeSystem, err))
		}
	}

	if m, err := readManifest(s.manifestPath()); err == nil {
		s.segSize = m.segSize
		s.fullSegments = m.fullSegment
	} else if !os.IsNotExist(err) {
		return s.SetErr(stage.Errorf("splitfile", "Open", stage.CodeStack, err))
	} else {
		s.fullSegments = 0
		if flags&(stage.WRONLY|stage.RDWR|stage.CREAT) != 0 {
			if err := writeManifest(s.manifestPath(), manifest{segSize: s.segSize}, mode); err != nil {
				return s.SetErr(stage.Errorf("splitfile", "Open", stage.CodeSystem, err))
			}
			log.Printf("splitfile: created manifest for %s (segment size %d)", s.base, s.segSize)
		}
	}
	return nil
}

// segment returns the opened segment at index i, opening it on demand. If
// the segment does not exist and create is false, it reports (nil, false,
// nil) so callers can treat the region as EOF rather than an error.
func (s *Stage) segment(ctx context.Context, i int64, create bool) (*posixfile.Stage, bool, error) {
	if int64(len(s.segments)) <= i {
		grown := make([]*posixfile.Stage, i+1)
		copy(grown, s.segments)
		s.segments = grown
	}
	if s.segments[i] != nil {
		return s.segments[i], true, nil
	}

	flags := s.flags &^ stage.TRUNC
	path := s.segmentPath(i)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, false, err
		}
		if !create {
			return nil, false, nil
		}
		flags |= stage.CREAT
	}

	seg := posixfile.New()
	if err := seg.Open(ctx, path, flags, s.mode); err != nil {
		return nil, false, err
	}
	s.segments[i] = seg
	return seg, true, nil
}

// Read implements part of [stage.Stage].
func (s *Stage) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	var got int
	for got < len(buf) {
		idx := (offset + int64(got)) / s.segSize
		within := (offset + int64(got)) % s.segSize
		want := s.segSize - within
		if remain := int64(len(buf) - got); want > remain {
			want = remain
		}

		seg, ok, err := s.segment(ctx, idx, false)
		if err != nil {
			return got, s.SetErr(stage.Errorf("splitfile", "Read", stage.CodeSystem, err))
		}
		if !ok {
			s.SetEOF(got == 0)
			return got, nil
		}
		n, err := stage.ReadAll(ctx, seg, buf[got:int64(got)+want], within)
		if err != nil {
			return got, s.SetErr(stage.Errorf("splitfile", "Read", stage.CodeSystem, err))
		}
		got += n
		if int64(n) < want {
			s.SetEOF(got == 0)
			return got, nil
		}
	}
	s.SetEOF(false)
	return got, nil
}

// Write implements part of [stage.Stage].
func (s *Stage) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	var put int
	for put < len(buf) {
		idx := (offset + int64(put)) / s.segSize
		within := (offset + int64(put)) % s.segSize
		want := s.segSize - within
		if remain := int64(len(buf) - put); want > remain {
			want = remain
		}

		seg, _, err := s.segment(ctx, idx, true)
		if err != nil {
			return put, s.SetErr(stage.Errorf("splitfile", "Write", stage.CodeSystem, err))
		}
		if err := stage.WriteAll(ctx, seg, buf[put:int64(put)+want], within); err != nil {
			return put, s.SetErr(stage.Errorf("splitfile", "Write", stage.CodeSystem, err))
		}
		put += int(want)
		if within+want == s.segSize && idx+1 > s.fullSegments {
			s.fullSegments = idx + 1
		}
	}
	if end := offset + int64(len(buf)); end > s.fileSize {
		s.fileSize = end
		s.sizeConfirmed = true
	}
	return put, nil
}

// Close implements part of [stage.Stage]. It persists the manifest and
// closes every segment that was opened.
func (s *Stage) Close(ctx context.Context) error {
	var firstErr error
	if s.flags&(stage.WRONLY|stage.RDWR) != 0 {
		if err := writeManifest(s.manifestPath(), manifest{segSize: s.segSize, fullSegment: s.fullSegments}, s.mode); err != nil {
			firstErr = stage.Errorf("splitfile", "Close", stage.CodeSystem, err)
		}
	}
	for _, seg := range s.segments {
		if seg == nil {
			continue
		}
		if err := seg.Close(ctx); err != nil && firstErr == nil {
			firstErr = stage.Errorf("splitfile", "Close", stage.CodeSystem, err)
		}
	}
	if firstErr != nil {
		return s.SetErr(firstErr)
	}
	return nil
}

// Sync implements part of [stage.Stage].
func (s *Stage) Sync(ctx context.Context) error {
	for _, seg := range s.segments {
		if seg == nil {
			continue
		}
		if err := seg.Sync(ctx); err != nil {
			return s.SetErr(stage.Errorf("splitfile", "Sync", stage.CodeSystem, err))
		}
	}
	return nil
}

// Truncate implements part of [stage.Stage]. Like posixfile, splitfile
// imposes no alignment constraint of its own.
func (s *Stage) Truncate(ctx context.Context, offset int64) error {
	keep := offset / s.segSize
	within := offset % s.segSize

	for i := keep + 1; int64(len(s.segments)) > i; i++ {
		if s.segments[i] != nil {
			if err := s.segments[i].Close(ctx); err != nil {
				return s.SetErr(stage.Errorf("splitfile", "Truncate", stage.CodeSystem, err))
			}
			s.segments[i] = nil
		}
		if err := os.Remove(s.segmentPath(i)); err != nil && !os.IsNotExist(err) {
			return s.SetErr(stage.Errorf("splitfile", "Truncate", stage.CodeSystem, err))
		}
	}

	if within > 0 || offset == 0 {
		seg, ok, err := s.segment(ctx, keep, true)
		if err != nil {
			return s.SetErr(stage.Errorf("splitfile", "Truncate", stage.CodeSystem, err))
		}
		if ok {
			if err := seg.Truncate(ctx, within); err != nil {
				return s.SetErr(stage.Errorf("splitfile", "Truncate", stage.CodeSystem, err))
			}
		}
	}

	s.fileSize = offset
	s.sizeConfirmed = true
	if within > 0 && keep < s.fullSegments {
		s.fullSegments = keep
	}
	return nil
}

// Size implements part of [stage.Stage].
func (s *Stage) Size(ctx context.Context) (int64, error) {
	if s.sizeConfirmed {
		return s.fileSize, nil
	}
	total := s.fullSegments * s.segSize
	idx := s.fullSegments
	for {
		seg, ok, err := s.segment(ctx, idx, false)
		if err != nil {
			return -1, s.SetErr(stage.Errorf("splitfile", "Size", stage.CodeSystem, err))
		}
		if !ok {
			break
		}
		sz, err := seg.Size(ctx)
		if err != nil {
			return -1, s.SetErr(stage.Errorf("splitfile", "Size", stage.CodeSystem, err))
		}
		total += sz
		if sz < s.segSize {
			break
		}
		s.fullSegments = idx + 1
		idx++
	}
	s.fileSize = total
	s.sizeConfirmed = true
	return total, nil
}
