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

package aead_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/creachadair/pipefile/aead"
	"github.com/creachadair/pipefile/posixfile"
	"github.com/creachadair/pipefile/stage"
	"github.com/creachadair/pipefile/stagetest"
	"github.com/google/go-cmp/cmp"
)

// testKey is the fixed 32-byte key spec.md §8 seeds its test vectors with.
var testKey = []byte("0123456789ABCDEF0123456789ABCDEF")

func TestStageAESGCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.aead")
	gen := stagetest.TextGenerator("the five boxing wizards jump quickly\n")
	stagetest.Run(t, func() stage.Stage {
		return aead.New(posixfile.New(), aead.Options{
			CipherName: "AES-256-GCM",
			Key:        testKey,
			PlainSize:  128,
		})
	}, path, 128, gen)
}

func TestStageChaCha20Poly1305(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.aead")
	gen := stagetest.TextGenerator("pack my box with five dozen liquor jugs\n")
	stagetest.Run(t, func() stage.Stage {
		return aead.New(posixfile.New(), aead.Options{
			CipherName: "CHACHA20-POLY1305",
			Key:        testKey,
			PlainSize:  128,
		})
	}, path, 128, gen)
}

// TestTerminalBlock checks spec.md §8's AEAD-terminal-block property: after
// any sequence of writes followed by Close, the ciphertext file's length
// always accounts for a terminal partial (possibly empty) record.
func TestTerminalBlock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "terminal.aead")
	const P = 64

	open := func() *aead.Stage {
		return aead.New(posixfile.New(), aead.Options{Key: testKey, PlainSize: P})
	}

	w := open()
	if err := w.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	block := make([]byte, P)
	for i := range block {
		block[i] = byte(i)
	}
	if _, err := w.Write(ctx, block, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := open()
	if err := r.Open(ctx, path, stage.RDONLY, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close(ctx)

	got := make([]byte, P)
	n, err := r.Read(ctx, got, 0)
	if err != nil {
		t.Fatalf("Read block 0: %v", err)
	}
	if n != P || !cmp.Equal(got, block) {
		t.Fatalf("Read block 0 mismatch: got %d bytes", n)
	}

	n, err = r.Read(ctx, got, P)
	if err != nil || n != 0 {
		t.Fatalf("Read past terminal block: got (%d, %v), want (0, nil)", n, err)
	}
	if !r.EOF() {
		t.Errorf("EOF() = false at terminal block")
	}

	size, err := r.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != P {
		t.Errorf("Size = %d, want %d", size, P)
	}
}

// TestTamperDetection checks spec.md §8 scenario 5: flipping a ciphertext
// byte in one record fails only that record's Read.
func TestTamperDetection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tamper.aead")
	const P = 512
	const total = 4 // 2 KiB of plaintext

	open := func() *aead.Stage {
		return aead.New(posixfile.New(), aead.Options{Key: testKey, PlainSize: P})
	}

	w := open()
	if err := w.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	gen := stagetest.TextGenerator("0123456789abcdef")
	plain := gen(P * total)
	for i := 0; i < total; i++ {
		off := int64(i) * P
		if _, err := w.Write(ctx, plain[off:off+P], off); err != nil {
			t.Fatalf("Write block %d: %v", i, err)
		}
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip one byte inside the ciphertext of the second record (block 1).
	raw := posixfile.New()
	if err := raw.Open(ctx, path, stage.RDWR, 0); err != nil {
		t.Fatalf("raw open: %v", err)
	}
	hdrPayload, hdrEnd, err := stage.ReadSized(ctx, raw, 0)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	_ = hdrPayload
	cryptSize := P + 16 // GCM tag overhead
	victim := hdrEnd + int64(cryptSize) + 3
	var b [1]byte
	if _, err := raw.Read(ctx, b[:], victim); err != nil {
		t.Fatalf("read victim byte: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := raw.Write(ctx, b[:], victim); err != nil {
		t.Fatalf("write victim byte: %v", err)
	}
	if err := raw.Close(ctx); err != nil {
		t.Fatalf("raw close: %v", err)
	}

	r := open()
	if err := r.Open(ctx, path, stage.RDONLY, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close(ctx)

	got0 := make([]byte, P)
	if _, err := r.Read(ctx, got0, 0); err != nil {
		t.Fatalf("Read block 0: %v", err)
	}
	if !cmp.Equal(got0, plain[:P]) {
		t.Errorf("block 0 content mismatch after tampering with block 1")
	}

	got1 := make([]byte, P)
	_, err = r.Read(ctx, got1, P)
	if err == nil {
		t.Fatalf("Read tampered block 1: got nil error, want tag mismatch")
	}
}
