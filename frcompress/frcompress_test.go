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

package frcompress_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/creachadair/pipefile/frcompress"
	"github.com/creachadair/pipefile/posixfile"
	"github.com/creachadair/pipefile/stage"
	"github.com/google/go-cmp/cmp"
)

func open(path string, R int64) *frcompress.Stage {
	return frcompress.New(posixfile.New(), frcompress.Options{PlainSize: R})
}

// buildRecord returns an exactly R-byte record starting with a distinct
// prefix, so full-block writes reliably trigger the index-append path.
func buildRecord(r int, prefix string) []byte {
	out := make([]byte, r)
	copy(out, prefix)
	if len(prefix) < r {
		fill := sampleFill(r - len(prefix))
		copy(out[len(prefix):], fill)
	}
	return out
}

// TestSequentialRoundTrip checks that sequential aligned writes followed by
// a close/reopen survive intact, exercising the index-append path on every
// full-sized record.
func TestSequentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seq.frc")
	const R = 256
	const total = 40

	want := make([][]byte, total)
	for i := range want {
		want[i] = buildRecord(R, fmt.Sprintf("record-%04d-", i))
	}

	w := open(path, R)
	if err := w.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, rec := range want {
		if _, err := w.Write(ctx, rec, int64(i)*R); err != nil {
			t.Fatalf("Write record %d: %v", i, err)
		}
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := open(path, R)
	if err := r.Open(ctx, path, stage.RDONLY, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close(ctx)

	for i, rec := range want {
		got := make([]byte, R)
		n, err := r.Read(ctx, got, int64(i)*R)
		if err != nil {
			t.Fatalf("Read record %d: %v", i, err)
		}
		if diff := cmp.Diff(rec, got[:n]); diff != "" {
			t.Errorf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	size, err := r.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if want := int64(total) * R; size != want {
		t.Errorf("Size = %d, want %d", size, want)
	}
}

// TestShuffledSeek checks spec.md §8 scenario 6: write N distinct records
// in order, close, reopen, then read every record back in a shuffled
// permutation and confirm the content still matches.
func TestShuffledSeek(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shuffle.frc")
	const R = 4096
	const n = 100

	want := make([][]byte, n)
	for i := range want {
		want[i] = buildRecord(R, fmt.Sprintf("record number %d: ", i))
	}

	w := open(path, R)
	if err := w.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, rec := range want {
		if _, err := w.Write(ctx, rec, int64(i)*R); err != nil {
			t.Fatalf("Write record %d: %v", i, err)
		}
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := open(path, R)
	if err := r.Open(ctx, path, stage.RDONLY, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close(ctx)

	// Relatively-prime stride permutation, matching the framework's other
	// shuffled-access scenarios.
	const stride = 37
	for k := 0; k < n; k++ {
		rec := (k * stride) % n
		got := make([]byte, R)
		m, err := r.Read(ctx, got, int64(rec)*R)
		if err != nil {
			t.Fatalf("Read record %d: %v", rec, err)
		}
		if diff := cmp.Diff(want[rec], got[:m]); diff != "" {
			t.Errorf("record %d mismatch after shuffled seek (-want +got):\n%s", rec, diff)
		}
	}
}

// TestIndexLockstep checks that interleaving reads and writes keeps the
// sidecar index synchronized: a write immediately following a read must
// re-affirm its boundary entry before appending further records.
func TestIndexLockstep(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lockstep.frc")
	const R = 128
	const total = 8

	recs := make([][]byte, total)
	for i := range recs {
		recs[i] = buildRecord(R, fmt.Sprintf("lockstep-%02d-", i))
	}

	s := open(path, R)
	if err := s.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(ctx)

	for i := 0; i < total; i++ {
		if _, err := s.Write(ctx, recs[i], int64(i)*R); err != nil {
			t.Fatalf("Write record %d: %v", i, err)
		}
		// Immediately read back the record we just wrote, then write the
		// next one: this forces a read-then-write transition on every
		// iteration, the case the "previous op was read" resync exists for.
		got := make([]byte, R)
		if _, err := s.Read(ctx, got, int64(i)*R); err != nil {
			t.Fatalf("Read-back record %d: %v", i, err)
		}
		if diff := cmp.Diff(recs[i], got[:len(recs[i])]); diff != "" {
			t.Errorf("read-back record %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if want := int64(total) * R; size != want {
		t.Errorf("Size = %d, want %d", size, want)
	}
}

// TestHoleRejected checks that writing a record whose predecessor was
// never committed fails rather than silently skipping ahead.
func TestHoleRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hole.frc")
	const R = 64

	s := open(path, R)
	if err := s.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(ctx)

	first := []byte(sampleFill(R))
	if _, err := s.Write(ctx, first, 0); err != nil {
		t.Fatalf("Write record 0: %v", err)
	}
	_, err := s.Write(ctx, []byte(sampleFill(R)), 2*R)
	if !stage.IsHole(err) {
		t.Errorf("Write record 2 (skipping record 1): got err = %v, want ErrHole", err)
	}
}

func sampleFill(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	if n <= 0 {
		return ""
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[i%len(alphabet)]
	}
	return string(out)
}
