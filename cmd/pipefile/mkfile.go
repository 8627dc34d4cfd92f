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
	"io"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/pipefile/pipeline"
	"github.com/creachadair/pipefile/stage"
)

var mkfileCommand = &command.C{
	Name:  "mkfile",
	Usage: "mkfile <path>",
	Help:  "Create a file through the configured stage stack, copying stdin as its contents",

	Run: func(env *command.Env, args []string) error {
		if len(args) != 1 {
			return errors.New("usage is: mkfile <path>")
		}
		cfg := env.Config.(*settings)
		s, err := pipeline.Open(cfg.Context, cfg.Config, args[0], stage.RDWR|stage.CREAT|stage.TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer s.Close(cfg.Context)

		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return stage.WriteAll(cfg.Context, s, data, 0)
	},
}
