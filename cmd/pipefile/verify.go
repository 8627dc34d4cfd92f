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

package main

import (
	"errors"
	"fmt"

	"github.com/creachadair/command"
	"github.com/creachadair/pipefile/pipeline"
	"github.com/creachadair/pipefile/stage"
)

var verifyCommand = &command.C{
	Name:  "verify",
	Usage: "verify <path>",
	Help:  "Read every record of a pipefile, reporting the first corrupt or tampered block",

	Run: func(env *command.Env, args []string) error {
		if len(args) != 1 {
			return errors.New("usage is: verify <path>")
		}
		cfg := env.Config.(*settings)
		s, err := pipeline.Open(cfg.Context, cfg.Config, args[0], stage.RDONLY, 0)
		if err != nil {
			return err
		}
		defer s.Close(cfg.Context)

		size, err := s.Size(cfg.Context)
		if err != nil {
			return fmt.Errorf("reading size: %w", err)
		}

		bs := s.BlockSize()
		if bs < 1 {
			bs = 1
		}
		buf := make([]byte, bs)
		var blocks int64
		for offset := int64(0); offset < size; offset += bs {
			n, err := stage.ReadAll(cfg.Context, s, buf, offset)
			if err != nil {
				return fmt.Errorf("block at offset %d: %w", offset, err)
			}
			if n == 0 {
				break
			}
			blocks++
		}
		fmt.Printf("%s: ok, %d bytes in %d blocks\n", args[0], size, blocks)
		return nil
	},
}
