// Copyright 2026 Google LLC. All Rights Reserved.
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

// Package cmd contains helpers shared by the iothrottle binaries.
package cmd

import (
	"errors"
	"flag"
	"os"

	"bitbucket.org/creachadair/shell"
)

// ParseFlagFile parses a set of flags from a file at the provided path.
// Environment variables in the file are expanded. flag.Parse is called
// again afterwards so that flags given on the command line take precedence
// over the file.
func ParseFlagFile(path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseFlags(string(file))
}

func parseFlags(contents string) error {
	args, ok := shell.Split(contents)
	if !ok {
		return errors.New("flag file has an unclosed quotation")
	}
	// Expanding after splitting keeps variables with spaces in one word.
	for i, arg := range args {
		args[i] = os.ExpandEnv(arg)
	}
	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}
	flag.Parse()
	return nil
}
