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

// Package aead implements the AEAD stage: it encrypts fixed-size plaintext
// records into slightly larger authenticated ciphertext records, and
// authenticates a per-file header against tampering.
//
// A new file's header is written the first time Open finds its successor
// empty; otherwise the header is read back and its cipher name governs —
// not whatever the caller passed to New — so a file always decrypts with
// the cipher it was written with.
package aead

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"math"
	"os"

	"github.com/creachadair/pipefile/stage"
)

// Options configures a Stage for the case where it must create a new file
// (its successor is empty at Open). When opening an existing file these
// are ignored except for Key, which the header cannot recover on its own.
type Options struct {
	CipherName string // e.g. "AES-256-GCM"; default "AES-256-GCM"
	Key        []byte
	PlainSize  int64 // P; default 4096
}

// Stage implements [stage.Stage], framing plaintext into authenticated
// ciphertext records on top of a successor.
type Stage struct {
	stage.State

	next stage.Stage
	opts Options

	suite      Suite
	aead       cipher.AEAD
	iv         []byte
	plainSize  int64
	tagSize    int64
	cryptSize  int64 // C = P + padding(P) + tagSize
	headerSize int64

	fileSize      int64
	sizeConfirmed bool
	maxWritePos   int64
	writable      bool
}

// New constructs an unopened AEAD stage delegating to next.
func New(next stage.Stage, opts Options) *Stage {
	if opts.CipherName == "" {
		opts.CipherName = "AES-256-GCM"
	}
	if opts.PlainSize <= 0 {
		opts.PlainSize = 4096
	}
	return &Stage{next: next, opts: opts}
}

// BlockSize implements part of [stage.Stage]: the AEAD stage publishes its
// plaintext record size.
func (s *Stage) BlockSize() int64 { return s.plainSize }

const seqHeader = math.MaxUint64

// Open implements part of [stage.Stage].
func (s *Stage) Open(ctx context.Context, path string, flags int, mode os.FileMode) error {
	s.Reset()
	if err := s.next.Open(ctx, path, flags, mode); err != nil {
		return s.SetErr(stage.Errorf("aead", "Open", stage.CodeStack, err))
	}
	s.writable = flags&(stage.WRONLY|stage.RDWR) != 0
	if flags&stage.APPEND != 0 {
		s.next.Close(ctx)
		return s.SetErr(stage.Errorf("aead", "Open", stage.CodeStack, errAppendUnsupported))
	}

	raw, err := s.next.Size(ctx)
	if err != nil {
		return s.SetErr(stage.Errorf("aead", "Open", stage.CodeSystem, err))
	}

	if raw == 0 {
		if err := s.writeNewHeader(ctx); err != nil {
			return s.SetErr(err)
		}
		s.fileSize = 0
		s.sizeConfirmed = true
		s.maxWritePos = 0
		return nil
	}
	return s.readHeader(ctx)
}

func (s *Stage) writeNewHeader(ctx context.Context) error {
	suite, err := lookupSuite(s.opts.CipherName)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeStack, err)
	}
	if len(s.opts.Key) != suite.KeySize {
		return stage.Errorf("aead", "Open", stage.CodeStack, errKeySize(suite, len(s.opts.Key)))
	}
	a, err := suite.New(s.opts.Key)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeCrypto, err)
	}

	iv := make([]byte, a.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return stage.Errorf("aead", "Open", stage.CodeSystem, err)
	}

	s.suite = suite
	s.aead = a
	s.iv = iv
	s.plainSize = s.opts.PlainSize
	s.tagSize = int64(a.Overhead())
	s.cryptSize = s.plainSize + padding(suite, s.plainSize) + s.tagSize

	prefix := encodeHeaderPrefix(s.plainSize, suite.Name)
	nonce := s.nonce(seqHeader)
	sealed := a.Seal(nil, nonce, nil, prefix)
	empty := sealed[:len(sealed)-int(s.tagSize)]
	tag := sealed[len(sealed)-int(s.tagSize):]

	encoded := encodeHeader(header{
		plainSize:  s.plainSize,
		cipherName: suite.Name,
		iv:         iv,
		emptyRecord: empty,
		tag:        tag,
	})
	newOff, err := stage.WriteSized(ctx, s.next, encoded, 0)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeSystem, err)
	}
	s.headerSize = newOff
	return nil
}

func (s *Stage) readHeader(ctx context.Context) error {
	raw, newOff, err := stage.ReadSized(ctx, s.next, 0)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeStack, err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeStack, err)
	}
	suite, err := lookupSuite(h.cipherName)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeStack, err)
	}
	if len(s.opts.Key) != suite.KeySize {
		return stage.Errorf("aead", "Open", stage.CodeStack, errKeySize(suite, len(s.opts.Key)))
	}
	a, err := suite.New(s.opts.Key)
	if err != nil {
		return stage.Errorf("aead", "Open", stage.CodeCrypto, err)
	}

	s.suite = suite
	s.aead = a
	s.iv = h.iv
	s.plainSize = h.plainSize
	s.tagSize = int64(a.Overhead())
	s.cryptSize = s.plainSize + padding(suite, s.plainSize) + s.tagSize
	s.headerSize = newOff

	prefix := raw[:h.prefixLength]
	sealed := append(append([]byte{}, h.emptyRecord...), h.tag...)
	if _, err := a.Open(nil, s.nonce(seqHeader), sealed, prefix); err != nil {
		return stage.Errorf("aead", "Open", stage.CodeCrypto, stage.ErrTagMismatch)
	}

	s.sizeConfirmed = false
	s.maxWritePos = 0
	return nil
}

// nonce derives the per-record nonce: extend seq to the cipher's nonce
// length in big-endian order, then XOR byte-wise with the file's IV.
func (s *Stage) nonce(seq uint64) []byte {
	n := make([]byte, len(s.iv))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	if len(n) >= 8 {
		copy(n[len(n)-8:], b[:])
	} else {
		copy(n, b[8-len(n):])
	}
	for i := range n {
		n[i] ^= s.iv[i]
	}
	return n
}

func (s *Stage) translate(offset int64) int64 {
	return (offset/s.plainSize)*s.cryptSize + s.headerSize
}

// Read implements part of [stage.Stage].
func (s *Stage) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	if offset%s.plainSize != 0 {
		return 0, s.SetErr(stage.Errorf("aead", "Read", stage.CodeStack, stage.ErrMisaligned))
	}
	if s.sizeConfirmed && offset == s.fileSize {
		s.SetEOF(true)
		return 0, nil
	}

	cbuf := make([]byte, s.cryptSize)
	m, err := stage.ReadAll(ctx, s.next, cbuf, s.translate(offset))
	if err != nil {
		return 0, s.SetErr(stage.Errorf("aead", "Read", stage.CodeSystem, err))
	}
	if m == 0 {
		s.fileSize = offset
		s.sizeConfirmed = true
		s.SetEOF(true)
		return 0, nil
	}
	if int64(m) < s.tagSize {
		return 0, s.SetErr(stage.Errorf("aead", "Read", stage.CodeStack, stage.ErrRecordCorrupted))
	}

	seq := uint64(offset / s.plainSize)
	plain, err := s.aead.Open(nil, s.nonce(seq), cbuf[:m], nil)
	if err != nil {
		return 0, s.SetErr(stage.Errorf("aead", "Read", stage.CodeCrypto, stage.ErrTagMismatch))
	}
	if int64(m) < s.cryptSize {
		s.fileSize = offset + int64(len(plain))
		s.sizeConfirmed = true
	}
	n := copy(buf, plain)
	s.SetEOF(len(plain) == 0)
	return n, nil
}

// Write implements part of [stage.Stage].
func (s *Stage) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	if offset%s.plainSize != 0 {
		return 0, s.SetErr(stage.Errorf("aead", "Write", stage.CodeStack, stage.ErrMisaligned))
	}
	size := int64(len(buf))
	if size > s.plainSize {
		size = s.plainSize
	}
	if size < s.plainSize && offset+size < s.maxWritePos {
		return 0, s.SetErr(stage.Errorf("aead", "Write", stage.CodeStack, errPartialNotAtEOF))
	}

	seq := uint64(offset / s.plainSize)
	ciphertext := s.aead.Seal(nil, s.nonce(seq), buf[:size], nil)
	if err := stage.WriteAll(ctx, s.next, ciphertext, s.translate(offset)); err != nil {
		return 0, s.SetErr(stage.Errorf("aead", "Write", stage.CodeSystem, err))
	}

	if end := offset + size; end > s.fileSize {
		s.fileSize = end
	}
	if end := offset + size; end > s.maxWritePos {
		s.maxWritePos = end
	}
	s.sizeConfirmed = true
	return int(size), nil
}

// Sync implements part of [stage.Stage].
func (s *Stage) Sync(ctx context.Context) error {
	if err := s.next.Sync(ctx); err != nil {
		return s.SetErr(stage.Errorf("aead", "Sync", stage.CodeSystem, err))
	}
	return nil
}

// Close implements part of [stage.Stage]. It writes a terminal empty block
// if the needs-final-empty-block decision calls for one, then closes the
// successor.
func (s *Stage) Close(ctx context.Context) error {
	var closeErr error
	if needs, err := s.needsFinalBlock(ctx); err != nil {
		closeErr = err
	} else if needs {
		closeErr = s.writeFinalBlock(ctx)
	}
	nextErr := s.next.Close(ctx)
	if closeErr != nil {
		return s.SetErr(closeErr)
	}
	if nextErr != nil {
		return s.SetErr(stage.Errorf("aead", "Close", stage.CodeSystem, nextErr))
	}
	return nil
}

func (s *Stage) writeFinalBlock(ctx context.Context) error {
	seq := uint64(s.fileSize / s.plainSize)
	ciphertext := s.aead.Seal(nil, s.nonce(seq), nil, nil)
	if err := stage.WriteAll(ctx, s.next, ciphertext, s.translate(s.fileSize)); err != nil {
		return stage.Errorf("aead", "Close", stage.CodeSystem, err)
	}
	return nil
}

// needsFinalBlock implements the ordered, cheapest-first decision spec.md
// §4.5 specifies.
func (s *Stage) needsFinalBlock(ctx context.Context) (bool, error) {
	if !s.writable {
		return false, nil
	}
	if s.fileSize > s.maxWritePos {
		return false, nil
	}
	if s.fileSize%s.plainSize != 0 {
		return false, nil
	}
	if s.sizeConfirmed {
		return true, nil
	}
	raw, err := s.next.Size(ctx)
	if err != nil {
		return false, stage.Errorf("aead", "Close", stage.CodeSystem, err)
	}
	if raw > s.translate(s.fileSize) {
		return false, nil
	}
	sz, err := s.sizeViaDecrypt(ctx)
	if err != nil {
		return false, err
	}
	if sz%s.plainSize != 0 {
		return false, nil
	}
	return true, nil
}

// Truncate implements part of [stage.Stage] by rewriting the terminal block
// at the requested offset and dropping whatever the successor held beyond
// it. spec.md leaves Truncate's fate to the implementer for framing stages;
// this stage chooses to support it rather than fail outright.
func (s *Stage) Truncate(ctx context.Context, offset int64) error {
	if !s.writable {
		return s.SetErr(stage.Errorf("aead", "Truncate", stage.CodeStack, stage.ErrUnsupported))
	}
	if offset%s.plainSize != 0 {
		return s.SetErr(stage.Errorf("aead", "Truncate", stage.CodeStack, stage.ErrMisaligned))
	}
	seq := uint64(offset / s.plainSize)
	ciphertext := s.aead.Seal(nil, s.nonce(seq), nil, nil)
	target := s.translate(offset)
	if err := stage.WriteAll(ctx, s.next, ciphertext, target); err != nil {
		return s.SetErr(stage.Errorf("aead", "Truncate", stage.CodeSystem, err))
	}
	if err := s.next.Truncate(ctx, target+int64(len(ciphertext))); err != nil {
		return s.SetErr(stage.Errorf("aead", "Truncate", stage.CodeSystem, err))
	}
	s.fileSize = offset
	s.maxWritePos = offset
	s.sizeConfirmed = true
	return nil
}

// Size implements part of [stage.Stage].
func (s *Stage) Size(ctx context.Context) (int64, error) {
	if s.sizeConfirmed {
		return s.fileSize, nil
	}
	return s.sizeViaDecrypt(ctx)
}

func (s *Stage) sizeViaDecrypt(ctx context.Context) (int64, error) {
	raw, err := s.next.Size(ctx)
	if err != nil {
		return -1, stage.Errorf("aead", "Size", stage.CodeSystem, err)
	}
	avail := raw - s.headerSize
	if avail <= 0 {
		s.fileSize = 0
		s.sizeConfirmed = true
		return 0, nil
	}
	lastBlock := (avail - 1) / s.cryptSize
	recOffset := s.headerSize + lastBlock*s.cryptSize
	recLen := raw - recOffset
	if recLen > s.cryptSize {
		recLen = s.cryptSize
	}
	cbuf := make([]byte, recLen)
	n, err := stage.ReadAll(ctx, s.next, cbuf, recOffset)
	if err != nil {
		return -1, stage.Errorf("aead", "Size", stage.CodeSystem, err)
	}
	plain, err := s.aead.Open(nil, s.nonce(uint64(lastBlock)), cbuf[:n], nil)
	if err != nil {
		return -1, stage.Errorf("aead", "Size", stage.CodeCrypto, stage.ErrTagMismatch)
	}
	fileSize := lastBlock*s.plainSize + int64(len(plain))
	s.fileSize = fileSize
	s.sizeConfirmed = true
	return fileSize, nil
}
