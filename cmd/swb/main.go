// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command swb is a minimal driver for the swbuild package: it loads a
// JSON build graph describing commands and their dependencies, plans it,
// and runs it with a bounded worker pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nativebuild/swbuild"
)

func main() {
	// A re-exec for an in-process builtin never reaches flag parsing: it
	// is dispatched directly off argv, exactly like the original jumppad.
	if ok, err := swbuild.RunBuiltinJumppad(os.Args[1:]); ok {
		if err != nil {
			errorf("%v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(Main())
}

func fatalf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "swb: fatal: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
	os.Exit(1)
}

func warningf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "swb: warning: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
}

func errorf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "swb: error: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
}

func infof(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stdout, "swb: ")
	fmt.Fprintf(os.Stdout, msg, s...)
	fmt.Fprintf(os.Stdout, "\n")
}

// graphFile is the on-disk JSON shape of the file -f names: a flat command
// list, each naming its own explicit inputs/outputs, which is enough for
// NewPlan to derive the dependency edges from.
type graphFile struct {
	Commands []struct {
		Name    string            `json:"name"`
		Program string            `json:"program"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
		Dir     string            `json:"dir"`
		Inputs  []string          `json:"inputs"`
		Outputs []string          `json:"outputs"`
		Always  bool              `json:"always"`
	} `json:"commands"`
}

func loadGraph(path string) ([]*swbuild.Command, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var gf graphFile
	if err := json.Unmarshal(b, &gf); err != nil {
		return nil, err
	}
	cmds := make([]*swbuild.Command, len(gf.Commands))
	for i, c := range gf.Commands {
		cmd := swbuild.NewCommand(c.Program, c.Args...)
		cmd.Name = c.Name
		cmd.Dir = c.Dir
		cmd.Always = c.Always
		for k, v := range c.Env {
			cmd.Env[k] = v
		}
		for _, in := range c.Inputs {
			cmd.AddInput(in)
		}
		for _, out := range c.Outputs {
			cmd.AddOutput(out)
		}
		cmds[i] = cmd
	}
	return cmds, nil
}

// Main is the testable entry point, returning the process exit code.
func Main() int {
	graphPath := "build.json"
	buildDir := ".swb"
	workers := 4
	explain := false
	dotPath := ""
	tracePath := ""

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			i++
			if i >= len(args) {
				fatalf("-f requires a path")
			}
			graphPath = args[i]
		case "-C":
			i++
			if i >= len(args) {
				fatalf("-C requires a path")
			}
			buildDir = args[i]
		case "-j":
			i++
			if i >= len(args) {
				fatalf("-j requires a count")
			}
			fmt.Sscanf(args[i], "%d", &workers)
		case "-d":
			i++
			if i < len(args) && args[i] == "explain" {
				explain = true
			}
		case "-explain":
			explain = true
		case "-graphviz":
			i++
			if i >= len(args) {
				fatalf("-graphviz requires a path")
			}
			dotPath = args[i]
		case "-trace":
			i++
			if i >= len(args) {
				fatalf("-trace requires a path")
			}
			tracePath = args[i]
		default:
			fatalf("unknown argument %q", args[i])
		}
	}

	cmds, err := loadGraph(graphPath)
	if err != nil {
		errorf("loading %s: %v", graphPath, err)
		return 1
	}

	bc, err := swbuild.NewBuildContext(buildDir, graphPath)
	if err != nil {
		errorf("opening build context: %v", err)
		return 1
	}
	bc.Explain = explain
	defer func() {
		if err := bc.Close(); err != nil {
			warningf("saving command record db: %v", err)
		}
	}()

	nodes := make([]swbuild.Node, len(cmds))
	for i, c := range cmds {
		nodes[i] = c
	}

	plan, err := swbuild.NewPlan(nodes, bc)
	if err != nil {
		errorf("planning: %v", err)
		return 1
	}

	if dotPath != "" {
		if err := writeGraphvizFile(dotPath, plan); err != nil {
			warningf("writing graphviz output: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sched := swbuild.NewScheduler(plan, bc, workers, time.Time{})

	if tracePath != "" {
		tracer, f, err := swbuild.OpenTraceFile(tracePath)
		if err != nil {
			warningf("opening trace file: %v", err)
		} else {
			defer f.Close()
			defer tracer.Close()
			sched.Tracer = tracer
		}
	}

	if err := sched.Run(ctx); err != nil {
		errorf("%v", err)
		return 1
	}

	infof("build succeeded")
	return 0
}

func writeGraphvizFile(path string, plan *swbuild.Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return swbuild.WriteGraphviz(f, plan)
}
