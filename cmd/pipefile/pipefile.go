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

// Program pipefile provides basic command-line support for creating,
// inspecting, and verifying files managed through a pipefile stage stack.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/pipefile/pipeline"
)

var configPath = "$HOME/.config/pipefile/config.yml"

type settings struct {
	Context context.Context
	Config  *pipeline.Config

	// Flag targets
	ConfigPath string // global
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `[options] command [args...]
help [command]`,
		Help: `Create, inspect, and verify files through a pipefile stage stack.

A stack is described by a YAML configuration document naming which stages
are present (split, compress, aead, buffered) and their settings. See
pipeline.Config for the document layout.`,

		SetFlags: func(env *command.Env, fs *flag.FlagSet) {
			if cf, ok := os.LookupEnv("PIPEFILE_CONFIG"); ok && cf != "" {
				configPath = cf
			}
			cfg := env.Config.(*settings)
			fs.StringVar(&cfg.ConfigPath, "config", configPath, "Configuration file path")
		},

		Init: func(env *command.Env) error {
			cfg := env.Config.(*settings)
			pcfg, err := pipeline.Load(os.ExpandEnv(cfg.ConfigPath))
			if err != nil {
				return err
			}
			cfg.Config = pcfg
			cfg.Context = context.Background()
			return nil
		},

		Commands: []*command.C{
			mkfileCommand,
			statCommand,
			verifyCommand,
			catCommand,
			command.HelpCommand(nil),
		},
	}
	if err := command.Execute(root.NewEnv(&settings{Context: context.Background()}), os.Args[1:]); err != nil {
		if errors.Is(err, command.ErrUsage) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}
