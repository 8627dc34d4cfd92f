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

// Package frcompress implements the Framed-Compression-with-Index stage:
// variable-length LZ4-compressed records that still support block-indexed
// seeks, by keeping a sidecar index file of byte offsets in lockstep with
// the primary record stream.
package frcompress

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/creachadair/pipefile/posixfile"
	"github.com/creachadair/pipefile/stage"
	"github.com/pierrec/lz4/v4"
)

// Options configures a Stage.
type Options struct {
	PlainSize int64 // R; default 4096
}

const (
	flagCompressed byte = 0
	flagRaw        byte = 1
)

// Stage implements [stage.Stage] atop a primary record stream and a sidecar
// index file opened at the primary's path plus ".idx".
type Stage struct {
	stage.State

	next  stage.Stage // primary record stream
	index *posixfile.Stage

	plainSize int64

	cryptBuf     []byte // scratch: 1 flag byte + LZ4_compressBound(R)
	plainScratch []byte // scratch: R bytes, for decompression

	prevWasRead   bool
	fileSize      int64
	sizeConfirmed bool
}

// New constructs an unopened frcompress stage delegating its primary record
// stream to next.
func New(next stage.Stage, opts Options) *Stage {
	if opts.PlainSize <= 0 {
		opts.PlainSize = 4096
	}
	return &Stage{next: next, plainSize: opts.PlainSize}
}

// BlockSize implements part of [stage.Stage]: the stage publishes its
// plaintext record size.
func (s *Stage) BlockSize() int64 { return s.plainSize }

// Open implements part of [stage.Stage].
func (s *Stage) Open(ctx context.Context, path string, flags int, mode os.FileMode) error {
	s.Reset()
	if err := s.next.Open(ctx, path, flags, mode); err != nil {
		return s.SetErr(stage.Errorf("frcompress", "Open", stage.CodeStack, err))
	}

	idxFlags := flags
	if flags&(stage.WRONLY|stage.RDWR) != 0 {
		idxFlags |= stage.CREAT
	}
	s.index = posixfile.New()
	if err := s.index.Open(ctx, path+".idx", idxFlags, mode); err != nil {
		s.next.Close(ctx)
		return s.SetErr(stage.Errorf("frcompress", "Open", stage.CodeStack, err))
	}

	s.cryptBuf = make([]byte, 1+lz4.CompressBlockBound(int(s.plainSize)))
	s.plainScratch = make([]byte, s.plainSize)
	s.prevWasRead = false
	s.fileSize = 0
	s.sizeConfirmed = false
	return nil
}

// Close implements part of [stage.Stage].
func (s *Stage) Close(ctx context.Context) error {
	primaryErr := s.next.Close(ctx)
	indexErr := s.index.Close(ctx)
	if primaryErr != nil {
		return s.SetErr(stage.Errorf("frcompress", "Close", stage.CodeSystem, primaryErr))
	}
	if indexErr != nil {
		return s.SetErr(stage.Errorf("frcompress", "Close", stage.CodeSystem, indexErr))
	}
	return nil
}

// Sync implements part of [stage.Stage].
func (s *Stage) Sync(ctx context.Context) error {
	if err := s.next.Sync(ctx); err != nil {
		return s.SetErr(stage.Errorf("frcompress", "Sync", stage.CodeSystem, err))
	}
	if err := s.index.Sync(ctx); err != nil {
		return s.SetErr(stage.Errorf("frcompress", "Sync", stage.CodeSystem, err))
	}
	return nil
}

// Truncate implements part of [stage.Stage]. Unlike the AEAD stage,
// rewriting a terminal record here does not bound the index file's
// corresponding repair cleanly (a shrink can leave dangling entries past
// the new end), so this stage declines rather than leave the index
// inconsistent with the primary.
func (s *Stage) Truncate(context.Context, int64) error {
	return s.SetErr(stage.Errorf("frcompress", "Truncate", stage.CodeStack, stage.ErrUnsupported))
}

// entryCount reports the number of boundary offsets recorded in the index:
// one per full plaintext record committed so far.
func (s *Stage) entryCount(ctx context.Context) (int64, error) {
	sz, err := s.index.Size(ctx)
	if err != nil {
		return 0, err
	}
	return sz / 8, nil
}

// recordOffset reports the primary-file byte offset at which record k
// begins. Record 0 always begins at offset 0; record k>=1 begins at the
// offset recorded in index slot k-1.
func (s *Stage) recordOffset(ctx context.Context, k int64) (int64, error) {
	if k == 0 {
		return 0, nil
	}
	n, err := s.entryCount(ctx)
	if err != nil {
		return 0, err
	}
	if k-1 >= n {
		return 0, errNoSuchRecord
	}
	var b [8]byte
	if _, err := stage.ReadAll(ctx, s.index, b[:], (k-1)*8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// writeEntryAt records the primary-file offset of record idx+1 at index
// slot idx.
func (s *Stage) writeEntryAt(ctx context.Context, idx, value int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(value))
	return stage.WriteAll(ctx, s.index, b[:], idx*8)
}

// decode returns the plaintext content of a record payload (a flag byte
// followed by either LZ4-compressed or, for incompressible records, raw
// bytes).
func (s *Stage) decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	flag, data := payload[0], payload[1:]
	switch flag {
	case flagRaw:
		return data, nil
	case flagCompressed:
		n, err := lz4.UncompressBlock(data, s.plainScratch)
		if err != nil {
			return nil, stage.Errorf("frcompress", "decode", stage.CodeStack, err)
		}
		return s.plainScratch[:n], nil
	default:
		return nil, stage.Errorf("frcompress", "decode", stage.CodeStack, stage.ErrRecordCorrupted)
	}
}

// encode compresses plaintext into a record payload, falling back to
// storing it raw when LZ4 reports the data is incompressible.
func (s *Stage) encode(plain []byte) []byte {
	n, _ := lz4.CompressBlock(plain, s.cryptBuf[1:], nil)
	if n == 0 {
		payload := make([]byte, 1+len(plain))
		payload[0] = flagRaw
		copy(payload[1:], plain)
		return payload
	}
	s.cryptBuf[0] = flagCompressed
	return s.cryptBuf[:1+n]
}

// Read implements part of [stage.Stage].
func (s *Stage) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	if offset%s.plainSize != 0 {
		return 0, s.SetErr(stage.Errorf("frcompress", "Read", stage.CodeStack, stage.ErrMisaligned))
	}
	if s.sizeConfirmed && offset >= s.fileSize {
		s.SetEOF(true)
		return 0, nil
	}
	k := offset / s.plainSize

	start, err := s.recordOffset(ctx, k)
	if err == errNoSuchRecord {
		s.fileSize = offset
		s.sizeConfirmed = true
		s.SetEOF(true)
		return 0, nil
	} else if err != nil {
		return 0, s.SetErr(stage.Errorf("frcompress", "Read", stage.CodeSystem, err))
	}

	payload, _, err := stage.ReadSized(ctx, s.next, start)
	if err == io.EOF {
		s.fileSize = offset
		s.sizeConfirmed = true
		s.SetEOF(true)
		return 0, nil
	} else if err != nil {
		return 0, s.SetErr(stage.Errorf("frcompress", "Read", stage.CodeSystem, err))
	}

	plain, err := s.decode(payload)
	if err != nil {
		return 0, s.SetErr(err)
	}
	if int64(len(plain)) < s.plainSize {
		s.fileSize = offset + int64(len(plain))
		s.sizeConfirmed = true
	}
	n := copy(buf, plain)
	s.prevWasRead = true
	s.SetEOF(len(plain) == 0)
	return n, nil
}

// Write implements part of [stage.Stage].
func (s *Stage) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	if offset%s.plainSize != 0 {
		return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeStack, stage.ErrMisaligned))
	}
	size := int64(len(buf))
	if size > s.plainSize {
		size = s.plainSize
	}
	k := offset / s.plainSize

	start, err := s.recordOffset(ctx, k)
	if err == errNoSuchRecord {
		return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeStack, stage.ErrHole))
	} else if err != nil {
		return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeSystem, err))
	}
	if s.prevWasRead && k >= 1 {
		if err := s.writeEntryAt(ctx, k-1, start); err != nil {
			return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeSystem, err))
		}
	}

	payload := s.encode(buf[:size])
	newOff, err := stage.WriteSized(ctx, s.next, payload, start)
	if err != nil {
		return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeSystem, err))
	}
	if size == s.plainSize {
		if err := s.writeEntryAt(ctx, k, newOff); err != nil {
			return 0, s.SetErr(stage.Errorf("frcompress", "Write", stage.CodeSystem, err))
		}
	}

	if end := offset + size; end > s.fileSize {
		s.fileSize = end
	}
	s.sizeConfirmed = true
	s.prevWasRead = false
	return int(size), nil
}

// Size implements part of [stage.Stage], per spec.md's seek-to-end
// algorithm: walk the index to the last recorded boundary, then probe one
// record past it to discover a trailing partial record or confirm there is
// none. A record found beyond the index (left by a session that crashed
// before appending its boundary entry) is repaired into the index as it is
// discovered.
func (s *Stage) Size(ctx context.Context) (int64, error) {
	if s.sizeConfirmed {
		return s.fileSize, nil
	}
	n, err := s.entryCount(ctx)
	if err != nil {
		return -1, s.SetErr(stage.Errorf("frcompress", "Size", stage.CodeSystem, err))
	}
	total := n * s.plainSize

	for {
		start, err := s.recordOffset(ctx, n)
		if err != nil {
			return -1, s.SetErr(stage.Errorf("frcompress", "Size", stage.CodeSystem, err))
		}
		payload, newOff, err := stage.ReadSized(ctx, s.next, start)
		if err == io.EOF {
			break
		} else if err != nil {
			return -1, s.SetErr(stage.Errorf("frcompress", "Size", stage.CodeSystem, err))
		}
		plain, err := s.decode(payload)
		if err != nil {
			return -1, s.SetErr(err)
		}
		if int64(len(plain)) < s.plainSize {
			total += int64(len(plain))
			break
		}
		if err := s.writeEntryAt(ctx, n, newOff); err != nil {
			return -1, s.SetErr(stage.Errorf("frcompress", "Size", stage.CodeSystem, err))
		}
		total += s.plainSize
		n++
	}

	s.fileSize = total
	s.sizeConfirmed = true
	return total, nil
}
