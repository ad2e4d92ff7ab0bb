// Copyright 2011 Google Inc. All Rights Reserved.
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

package swbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// writeReproducer emits a standalone shell (POSIX) or batch (Windows)
// script that replays exactly the invocation swbuild just made, with args
// as actually passed to exec.Cmd (i.e. already response-file-substituted)
// — so a reproducer for a failed command is immediately runnable by hand
// (§4.C4 "Reproducer"). Returns the script's path.
func writeReproducer(bc *BuildContext, c *Command, args []string) (string, error) {
	if err := os.MkdirAll(bc.ReproducerDir, 0o755); err != nil {
		return "", err
	}

	windows := runtime.GOOS == "windows"
	ext := ".sh"
	if windows {
		ext = ".bat"
	}
	path := filepath.Join(bc.ReproducerDir, fmt.Sprintf("%x%s", c.Hash(), ext))

	var b strings.Builder
	if windows {
		writeBatchReproducer(&b, c, args)
	} else {
		writeShellReproducer(&b, c, args)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	if !windows {
		if err := os.Chmod(path, 0o755); err != nil {
			return "", err
		}
	}
	return path, nil
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeShellReproducer(b *strings.Builder, c *Command, args []string) {
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")
	for _, k := range sortedEnvKeys(c.Env) {
		fmt.Fprintf(b, "export %s=%s\n", k, quoteAlways(c.Env[k]))
	}
	if c.Dir != "" {
		fmt.Fprintf(b, "cd %s\n", quoteAlways(c.Dir))
	}

	b.WriteString(quoteAlways(c.Program))
	for _, a := range args {
		b.WriteString(" \\\n    ")
		b.WriteString(quoteAlways(a))
	}
	if c.Stdin != "" {
		fmt.Fprintf(b, " < %s", quoteAlways(c.Stdin))
	}
	if c.Stdout.File != "" {
		op := ">"
		if c.Stdout.Append {
			op = ">>"
		}
		fmt.Fprintf(b, " %s %s", op, quoteAlways(c.Stdout.File))
	}
	if c.Stderr.File != "" {
		op := "2>"
		if c.Stderr.Append {
			op = "2>>"
		}
		fmt.Fprintf(b, " %s %s", op, quoteAlways(c.Stderr.File))
	}
	b.WriteByte('\n')
}

func writeBatchReproducer(b *strings.Builder, c *Command, args []string) {
	b.WriteString("@echo off\n")
	for _, k := range sortedEnvKeys(c.Env) {
		fmt.Fprintf(b, "set %s=%s\n", k, c.Env[k])
	}
	if c.Dir != "" {
		fmt.Fprintf(b, "cd /d %s\n", quoteAlways(c.Dir))
	}

	b.WriteString(quoteAlways(c.Program))
	for _, a := range args {
		b.WriteString(" ^\n    ")
		b.WriteString(quoteAlways(a))
	}
	if c.Stdin != "" {
		fmt.Fprintf(b, " < %s", quoteAlways(c.Stdin))
	}
	if c.Stdout.File != "" {
		op := ">"
		if c.Stdout.Append {
			op = ">>"
		}
		fmt.Fprintf(b, " %s %s", op, quoteAlways(c.Stdout.File))
	}
	if c.Stderr.File != "" {
		op := "2>"
		if c.Stderr.Append {
			op = "2>>"
		}
		fmt.Fprintf(b, " %s %s", op, quoteAlways(c.Stderr.File))
	}
	b.WriteByte('\n')
}
