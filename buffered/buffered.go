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

// Package buffered implements the Buffered stage: it presents an
// arbitrary-offset, arbitrary-size byte interface on top of a block-aligned
// successor, absorbing write amplification with a single block-sized cache.
//
// This is usually the topmost stage an application holds, since it is what
// lets callers read and write at byte granularity above a successor (an aead
// or frcompress stage, typically) that only accepts record-aligned I/O.
package buffered

import (
	"context"
	"os"

	"github.com/creachadair/pipefile/stage"
)

// DefaultMinSize is the minimum buffer size requested of New when the
// caller does not have a more specific preference, matching the 16 KiB
// figure spec.md §4.2 suggests.
const DefaultMinSize = 16 * 1024

// Stage implements [stage.Stage], buffering one block's worth of its
// successor's data at a time.
type Stage struct {
	stage.State

	next    stage.Stage
	minSize int64

	bufSize   int64 // multiple of next.BlockSize(), >= minSize
	buf       []byte
	bufOffset int64 // aligned to bufSize
	bufActual int64 // bytes valid in buf, <= bufSize
	dirty     bool
	lastCtx   context.Context // ctx from the most recent Write, for flush-on-close

	fileSize      int64
	sizeConfirmed bool
}

// New constructs a Buffered stage that delegates to next. minSize is the
// caller-suggested minimum buffer size; New will panic if next is nil.
func New(next stage.Stage, minSize int64) *Stage {
	if next == nil {
		panic("successor is nil")
	}
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	return &Stage{next: next, minSize: minSize}
}

// BlockSize implements part of [stage.Stage]. Buffered always publishes 1:
// it absorbs whatever alignment its successor requires.
func (s *Stage) BlockSize() int64 { return 1 }

// Open implements part of [stage.Stage]. A WRONLY open is internally
// upgraded to RDWR, since satisfying an unaligned write may require reading
// back the block it falls within.
func (s *Stage) Open(ctx context.Context, path string, flags int, mode os.FileMode) error {
	s.Reset()
	if flags&stage.WRONLY != 0 {
		flags = (flags &^ stage.WRONLY) | stage.RDWR
	}
	if err := s.next.Open(ctx, path, flags, mode); err != nil {
		return s.SetErr(stage.Errorf("buffered", "Open", stage.CodeStack, err))
	}
	succ := s.next.BlockSize()
	if succ <= 0 {
		succ = 1
	}
	s.bufSize = roundUp(s.minSize, succ)
	s.buf = make([]byte, s.bufSize)
	s.bufOffset = 0
	s.bufActual = 0
	s.dirty = false
	s.fileSize = 0
	s.sizeConfirmed = false
	return nil
}

func roundUp(n, unit int64) int64 {
	if unit <= 1 {
		return n
	}
	return ((n + unit - 1) / unit) * unit
}

// Close implements part of [stage.Stage].
func (s *Stage) Close(ctx context.Context) error {
	flushErr := s.flush(ctx)
	closeErr := s.next.Close(ctx)
	switch {
	case flushErr != nil:
		return s.SetErr(flushErr)
	case closeErr != nil:
		return s.SetErr(stage.Errorf("buffered", "Close", stage.CodeSystem, closeErr))
	}
	return nil
}

// Sync implements part of [stage.Stage].
func (s *Stage) Sync(ctx context.Context) error {
	if err := s.flush(ctx); err != nil {
		return s.SetErr(err)
	}
	if err := s.next.Sync(ctx); err != nil {
		return s.SetErr(stage.Errorf("buffered", "Sync", stage.CodeSystem, err))
	}
	return nil
}

// Truncate implements part of [stage.Stage]. Buffered imposes no alignment
// of its own (BlockSize is 1), so it simply flushes and forwards; whether
// the offset is acceptable is up to the successor.
func (s *Stage) Truncate(ctx context.Context, offset int64) error {
	if err := s.flush(ctx); err != nil {
		return s.SetErr(err)
	}
	if err := s.next.Truncate(ctx, offset); err != nil {
		return s.SetErr(err)
	}
	s.fileSize = offset
	s.sizeConfirmed = true
	s.bufOffset = offset - offset%s.bufSize
	s.bufActual = 0
	return nil
}

// Size implements part of [stage.Stage].
func (s *Stage) Size(ctx context.Context) (int64, error) {
	if s.sizeConfirmed {
		return s.fileSize, nil
	}
	if err := s.flush(ctx); err != nil {
		return -1, s.SetErr(err)
	}
	sz, err := s.next.Size(ctx)
	if err != nil {
		return -1, s.SetErr(err)
	}
	s.fileSize = sz
	s.sizeConfirmed = true
	return sz, nil
}

// flush writes the current buffer back to the successor if it is dirty.
func (s *Stage) flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	fctx := ctx
	if fctx == nil {
		fctx = s.lastCtx
	}
	if err := stage.WriteAll(fctx, s.next, s.buf[:s.bufActual], s.bufOffset); err != nil {
		return stage.Errorf("buffered", "flush", stage.CodeSystem, err)
	}
	s.dirty = false
	if end := s.bufOffset + s.bufActual; end > s.fileSize {
		s.fileSize = end
		s.sizeConfirmed = true
	}
	return nil
}

// realign flushes and repositions the buffer window so that it covers
// offset, if it does not already.
func (s *Stage) realign(ctx context.Context, offset int64) error {
	newBlock := offset - offset%s.bufSize
	if newBlock == s.bufOffset {
		return nil
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	s.bufOffset = newBlock
	s.bufActual = 0
	return nil
}

// fill loads the buffer window from the successor, suppressing EOF (an
// empty or short read just means the window is beyond the known end of
// file, which is not an error during a fill performed to satisfy a write).
func (s *Stage) fill(ctx context.Context) error {
	if s.bufActual != 0 {
		return nil
	}
	n, err := stage.ReadAll(ctx, s.next, s.buf, s.bufOffset)
	if err != nil {
		return stage.Errorf("buffered", "fill", stage.CodeSystem, err)
	}
	s.bufActual = int64(n)
	return nil
}

// Read implements part of [stage.Stage].
func (s *Stage) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := s.realign(ctx, offset); err != nil {
		return 0, s.SetErr(err)
	}

	// Direct-read bypass: buffer empty, request block-aligned and at least
	// one full buffer's worth.
	if s.bufActual == 0 && !s.dirty && offset == s.bufOffset &&
		offset%s.bufSize == 0 && int64(len(buf)) >= s.bufSize {
		aligned := (int64(len(buf)) / s.bufSize) * s.bufSize
		n, err := s.next.Read(ctx, buf[:aligned], offset)
		if err != nil {
			return 0, s.SetErr(stage.Errorf("buffered", "Read", stage.CodeSystem, err))
		}
		if end := offset + int64(n); end > s.fileSize {
			s.fileSize = end
			s.sizeConfirmed = true
		}
		s.SetEOF(n == 0)
		return n, nil
	}

	if err := s.fill(ctx); err != nil {
		return 0, s.SetErr(err)
	}
	rel := offset - s.bufOffset
	avail := s.bufActual - rel
	if avail < 0 {
		avail = 0
	}
	n := int64(len(buf))
	if avail < n {
		n = avail
	}
	if n > 0 {
		copy(buf[:n], s.buf[rel:rel+n])
	}
	// A window shorter than bufSize came from a short fill, so it ends at
	// the end of file even before the size is otherwise confirmed.
	s.SetEOF(n == 0 && (s.sizeConfirmed || s.bufActual < s.bufSize))
	return int(n), nil
}

// Write implements part of [stage.Stage].
func (s *Stage) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.lastCtx = ctx
	if err := s.realign(ctx, offset); err != nil {
		return 0, s.SetErr(err)
	}

	// Direct-write bypass: buffer empty, request block-aligned and at least
	// one full buffer's worth.
	if s.bufActual == 0 && !s.dirty && offset == s.bufOffset &&
		offset%s.bufSize == 0 && int64(len(buf)) >= s.bufSize {
		aligned := (int64(len(buf)) / s.bufSize) * s.bufSize
		if err := stage.WriteAll(ctx, s.next, buf[:aligned], offset); err != nil {
			return 0, s.SetErr(stage.Errorf("buffered", "Write", stage.CodeSystem, err))
		}
		if end := offset + aligned; end > s.fileSize {
			s.fileSize = end
			s.sizeConfirmed = true
		}
		if aligned < int64(len(buf)) {
			// The remainder is shorter than a full buffer; recurse so it
			// goes through the read-modify-write path below.
			n, err := s.Write(ctx, buf[aligned:], offset+aligned)
			return int(aligned) + n, err
		}
		return int(aligned), nil
	}

	// Read-modify-write: make sure the buffer reflects what is currently on
	// disk before we overlay the caller's bytes.
	known, err := s.knownEnd(ctx)
	if err != nil {
		return 0, s.SetErr(err)
	}
	if s.bufOffset <= known {
		if err := s.fill(ctx); err != nil {
			return 0, s.SetErr(err)
		}
	}

	rel := offset - s.bufOffset
	if offset > s.bufOffset+s.bufActual {
		return 0, s.SetErr(stage.Errorf("buffered", "Write", stage.CodeStack, stage.ErrHole))
	}

	// Split at the buffer boundary: apply the part that fits, then recurse
	// for the remainder at the next block.
	room := s.bufSize - rel
	n := int64(len(buf))
	if n > room {
		n = room
	}
	copy(s.buf[rel:rel+n], buf[:n])
	if rel+n > s.bufActual {
		s.bufActual = rel + n
	}
	s.dirty = true
	if end := s.bufOffset + s.bufActual; end > s.fileSize {
		s.fileSize = end
		s.sizeConfirmed = true
	}

	if n < int64(len(buf)) {
		more, err := s.Write(ctx, buf[n:], offset+n)
		return int(n) + more, err
	}
	return int(n), nil
}

// knownEnd reports the best current estimate of the logical end of file,
// without forcing an extra successor round trip unless necessary.
func (s *Stage) knownEnd(ctx context.Context) (int64, error) {
	if s.sizeConfirmed {
		if end := s.bufOffset + s.bufActual; end > s.fileSize {
			return end, nil
		}
		return s.fileSize, nil
	}
	sz, err := s.next.Size(ctx)
	if err != nil {
		return 0, stage.Errorf("buffered", "knownEnd", stage.CodeSystem, err)
	}
	if end := s.bufOffset + s.bufActual; end > sz {
		sz = end
	}
	return sz, nil
}
