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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/command"
	"github.com/creachadair/pipefile/pipeline"
	"github.com/creachadair/pipefile/stage"
)

var statCommand = &command.C{
	Name:  "stat",
	Usage: "stat <path>",
	Help:  "Print the logical size and block size of a pipefile",

	Run: func(env *command.Env, args []string) error {
		if len(args) != 1 {
			return errors.New("usage is: stat <path>")
		}
		cfg := env.Config.(*settings)
		s, err := pipeline.Open(cfg.Context, cfg.Config, args[0], stage.RDONLY, 0)
		if err != nil {
			return err
		}
		defer s.Close(cfg.Context)

		size, err := s.Size(cfg.Context)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(map[string]any{
			"path":       args[0],
			"size":       size,
			"block_size": s.BlockSize(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
