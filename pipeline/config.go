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

// Package pipeline is the application-facing façade: it turns a declarative
// Config into a live, opened stage.Stage by composing the concrete stages
// bottom-up, the way cmd/ffs/config.Config turns a YAML document into a
// live blob.Store via nested constructors.
package pipeline

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// SplitConfig configures the splitfile stage. A nil *SplitConfig means the
// pipeline terminates directly on a single posixfile.
type SplitConfig struct {
	SegmentSize int64 `yaml:"segment-size"`
}

// CompressConfig configures the frcompress stage.
type CompressConfig struct {
	RecordSize int64 `yaml:"record-size"`
}

// AEADConfig configures the aead stage.
type AEADConfig struct {
	Cipher     string `yaml:"cipher"`
	KeyFile    string `yaml:"key-file"`
	RecordSize int64  `yaml:"record-size"`
}

// BufferedConfig configures the buffered stage, which is normally the
// topmost stage an application holds.
type BufferedConfig struct {
	MinSize int64 `yaml:"buffer-size"`
}

// Config describes a pipeline stack declaratively, bottom stage first in
// the file format's reading order but composed bottom-up when Open builds
// it: Split (optional) → Compress (optional) → AEAD (optional) → Buffered
// (optional, but normally present so the application gets arbitrary-offset
// byte access).
type Config struct {
	Split    *SplitConfig    `yaml:"split,omitempty"`
	Compress *CompressConfig `yaml:"compress,omitempty"`
	AEAD     *AEADConfig     `yaml:"aead,omitempty"`
	Buffered *BufferedConfig `yaml:"buffered,omitempty"`
}

// Load reads and parses a pipeline configuration file at path. If the file
// does not exist, an empty Config is returned without error, matching
// cmd/ffs/config.Load's treatment of a missing config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return new(Config), nil
	} else if err != nil {
		return nil, fmt.Errorf("reading pipeline config: %w", err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}
	return cfg, nil
}

// loadKey reads the raw key bytes from path.
func loadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return data, nil
}
