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
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/pipefile/pipeline"
	"github.com/creachadair/pipefile/stage"
)

var catCommand = &command.C{
	Name:  "cat",
	Usage: "cat <path>",
	Help:  "Write the logical contents of a pipefile to stdout",

	Run: func(env *command.Env, args []string) error {
		if len(args) != 1 {
			return errors.New("usage is: cat <path>")
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
		buf := make([]byte, 64*1024)
		for got := int64(0); got < size; {
			want := int64(len(buf))
			if remain := size - got; want > remain {
				want = remain
			}
			n, err := stage.ReadAll(cfg.Context, s, buf[:want], got)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
			got += int64(n)
		}
		return nil
	},
}
