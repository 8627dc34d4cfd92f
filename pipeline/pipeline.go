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

package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/creachadair/pipefile/aead"
	"github.com/creachadair/pipefile/buffered"
	"github.com/creachadair/pipefile/frcompress"
	"github.com/creachadair/pipefile/posixfile"
	"github.com/creachadair/pipefile/splitfile"
	"github.com/creachadair/pipefile/stage"
)

// Open composes the stack cfg describes, bottom-up, and opens it top-down at
// path with the given flags and mode. The returned Stage is the topmost
// stage of the composed chain; the caller is responsible for calling its
// Close when done.
//
// The stack, from the terminal stage up: splitfile (if cfg.Split is set,
// otherwise a single posixfile), then at most one of frcompress or aead (an
// application combines encryption and compression by running one of these
// pipelines and gzipping or encrypting at a layer above it; spec.md's
// dependency order does not stack the two framing stages directly on each
// other), then buffered (if cfg.Buffered is set).
func Open(ctx context.Context, cfg *Config, path string, flags int, mode os.FileMode) (stage.Stage, error) {
	if cfg.Compress != nil && cfg.AEAD != nil {
		return nil, fmt.Errorf("pipeline: cfg specifies both compress and aead stages")
	}

	var terminal stage.Stage
	if cfg.Split != nil {
		terminal = splitfile.New(splitfile.Options{SegmentSize: cfg.Split.SegmentSize})
	} else {
		terminal = posixfile.New()
	}

	top := terminal
	switch {
	case cfg.Compress != nil:
		top = frcompress.New(top, frcompress.Options{PlainSize: cfg.Compress.RecordSize})
	case cfg.AEAD != nil:
		key, err := loadKey(cfg.AEAD.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		top = aead.New(top, aead.Options{
			CipherName: cfg.AEAD.Cipher,
			Key:        key,
			PlainSize:  cfg.AEAD.RecordSize,
		})
	}

	if cfg.Buffered != nil {
		top = buffered.New(top, cfg.Buffered.MinSize)
	}

	if err := top.Open(ctx, path, flags, mode); err != nil {
		return nil, fmt.Errorf("pipeline: open %q: %w", path, err)
	}
	return top, nil
}
