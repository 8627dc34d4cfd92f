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

package splitfile_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/creachadair/pipefile/splitfile"
	"github.com/creachadair/pipefile/stage"
	"github.com/creachadair/pipefile/stagetest"
	"github.com/google/go-cmp/cmp"
)

func TestStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segmented.bin")
	gen := stagetest.TextGenerator("a segment boundary shouldn't be visible from outside\n")
	stagetest.Run(t, func() stage.Stage {
		return splitfile.New(splitfile.Options{SegmentSize: 128})
	}, path, 64, gen, stagetest.SkipHoleRefusal())
}

// TestCrossSegmentWrite checks that a single Write spanning segment
// boundaries lands correctly on every segment it overlaps (three here).
func TestCrossSegmentWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cross.bin")

	s := splitfile.New(splitfile.Options{SegmentSize: 16})
	if err := s.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(ctx)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}
	if _, err := s.Write(ctx, payload, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := stage.ReadAll(ctx, s, got, 4); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("cross-segment round trip mismatch (-want +got):\n%s", diff)
	}

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if want := int64(44); size != want {
		t.Errorf("Size = %d, want %d", size, want)
	}
}

// TestManifestSurvivesReopen checks that segment size is recovered from the
// manifest on reopen even if the caller constructs with different Options.
func TestManifestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.bin")

	w := splitfile.New(splitfile.Options{SegmentSize: 32})
	if err := w.Open(ctx, path, stage.RDWR|stage.CREAT|stage.TRUNC, 0o600); err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := make([]byte, 70)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := w.Write(ctx, data, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := splitfile.New(splitfile.Options{SegmentSize: 999}) // deliberately wrong
	if err := r.Open(ctx, path, stage.RDONLY, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close(ctx)

	got := make([]byte, len(data))
	if _, err := stage.ReadAll(ctx, r, got, 0); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("round trip after manifest-governed reopen mismatch (-want +got):\n%s", diff)
	}
}
