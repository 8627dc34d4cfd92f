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

package pipeline_test

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/pipefile/pipeline"
	"github.com/creachadair/pipefile/stage"
	"github.com/google/go-cmp/cmp"
)

func writeKeyFile(t *testing.T, n int) string {
	t.Helper()
	key := make([]byte, n)
	if _, err := rand.New(rand.NewSource(1)).Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.bin")
	if err := os.WriteFile(path, key, 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	return path
}

// roundTrip writes data through a stack built from cfg and reads it back via
// a freshly-opened stack built from the same cfg, checking the bytes match.
func roundTrip(t *testing.T, cfg *pipeline.Config, path string, data []byte) {
	t.Helper()
	ctx := context.Background()

	w, err := pipeline.Open(ctx, cfg, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600)
	if err != nil {
		t.Fatalf("Open (write): %v", err)
	}
	if err := stage.WriteAll(ctx, w, data, 0); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close (write): %v", err)
	}

	r, err := pipeline.Open(ctx, cfg, path, stage.RDONLY, 0)
	if err != nil {
		t.Fatalf("Open (read): %v", err)
	}
	defer r.Close(ctx)

	got := make([]byte, len(data))
	if _, err := stage.ReadAll(ctx, r, got, 0); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestBufferedOnly round-trips data through a bare buffered stage over a
// posixfile terminal, the simplest possible stack.
func TestBufferedOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.bin")
	cfg := &pipeline.Config{Buffered: &pipeline.BufferedConfig{MinSize: 256}}
	roundTrip(t, cfg, path, bytes.Repeat([]byte("buffered only, no framing\n"), 50))
}

// TestAEADStack round-trips data through buffered over aead over posixfile,
// the typical encrypted-file configuration an application would declare.
func TestAEADStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.bin")
	cfg := &pipeline.Config{
		AEAD: &pipeline.AEADConfig{
			Cipher:     "AES-256-GCM",
			KeyFile:    writeKeyFile(t, 32),
			RecordSize: 512,
		},
		Buffered: &pipeline.BufferedConfig{MinSize: 512},
	}
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	roundTrip(t, cfg, path, data)
}

// TestCompressStack round-trips data through buffered over frcompress over
// posixfile.
func TestCompressStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compressed.bin")
	cfg := &pipeline.Config{
		Compress: &pipeline.CompressConfig{RecordSize: 1024},
		Buffered: &pipeline.BufferedConfig{MinSize: 1024},
	}
	data := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 100)
	roundTrip(t, cfg, path, data)
}

// TestSplitAEADStack round-trips data through splitfile beneath aead beneath
// buffered, the full four-stage composition SPEC_FULL.md's façade targets.
func TestSplitAEADStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "split-secret.bin")
	cfg := &pipeline.Config{
		Split: &pipeline.SplitConfig{SegmentSize: 4096},
		AEAD: &pipeline.AEADConfig{
			Cipher:     "CHACHA20-POLY1305",
			KeyFile:    writeKeyFile(t, 32),
			RecordSize: 256,
		},
		Buffered: &pipeline.BufferedConfig{MinSize: 256},
	}
	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	roundTrip(t, cfg, path, data)
}

// TestRejectsCompressAndAEADTogether checks that a misconfigured stack with
// both framing stages set is rejected rather than silently picking one.
func TestRejectsCompressAndAEADTogether(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bad.bin")
	cfg := &pipeline.Config{
		Compress: &pipeline.CompressConfig{RecordSize: 512},
		AEAD:     &pipeline.AEADConfig{Cipher: "AES-256-GCM", KeyFile: writeKeyFile(t, 32), RecordSize: 512},
	}
	if _, err := pipeline.Open(ctx, cfg, path, stage.RDWR|stage.CREAT, 0o600); err == nil {
		t.Fatal("Open: got nil error, want a configuration error")
	}
}

// TestLoadMissingConfig checks that Load tolerates an absent config file,
// matching cmd/ffs/config.Load's behavior.
func TestLoadMissingConfig(t *testing.T) {
	cfg, err := pipeline.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Split != nil || cfg.Compress != nil || cfg.AEAD != nil || cfg.Buffered != nil {
		t.Errorf("Load of missing file = %+v, want zero Config", cfg)
	}
}

// TestLoadConfig checks that Load parses a YAML document into the expected
// stack description.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	const doc = `
aead:
  cipher: AES-256-GCM
  key-file: /etc/pipefile/key.bin
  record-size: 4096
buffered:
  buffer-size: 65536
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := pipeline.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AEAD == nil || cfg.AEAD.Cipher != "AES-256-GCM" || cfg.AEAD.RecordSize != 4096 {
		t.Errorf("Load AEAD = %+v, want cipher AES-256-GCM, record-size 4096", cfg.AEAD)
	}
	if cfg.Buffered == nil || cfg.Buffered.MinSize != 65536 {
		t.Errorf("Load Buffered = %+v, want buffer-size 65536", cfg.Buffered)
	}
}
