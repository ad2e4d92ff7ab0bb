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
	"os"
	"strings"
	"testing"
)

func TestCommand_NeedsResponseFileOverThreshold(t *testing.T) {
	c := NewCommand("/usr/bin/link")
	c.Args = append(c.Args, PlainArg(strings.Repeat("x", responseFileThreshold()+1)))
	if !c.needsResponseFile() {
		t.Fatalf("expected a command whose argv exceeds the threshold to need a response file")
	}
}

func TestCommand_NeedsResponseFileUnderThreshold(t *testing.T) {
	c := NewCommand("/usr/bin/link", "a", "b")
	if c.needsResponseFile() {
		t.Fatalf("expected a short command line not to need a response file")
	}
}

func TestCommand_ResponseFilePolicyOverrides(t *testing.T) {
	c := NewCommand("/usr/bin/link", "a")
	c.ResponseFiles = ResponseFileForceOn
	if !c.needsResponseFile() {
		t.Fatalf("expected ResponseFileForceOn to force a response file regardless of size")
	}
	c.ResponseFiles = ResponseFileForceOff
	c.Args = append(c.Args, PlainArg(strings.Repeat("x", responseFileThreshold()+1)))
	if c.needsResponseFile() {
		t.Fatalf("expected ResponseFileForceOff to suppress a response file regardless of size")
	}
}

func TestCommand_MaterializeArgsWritesResponseFile(t *testing.T) {
	bc := newTestContext(t)
	c := NewCommand("/usr/bin/link", strings.Repeat("x", responseFileThreshold()+1))

	args, rspFile, err := c.materializeArgs(bc)
	if err != nil {
		t.Fatal(err)
	}
	if rspFile == "" {
		t.Fatalf("expected a response file to be materialized")
	}
	if len(args) != 1 || !strings.HasPrefix(args[0], "@") {
		t.Fatalf("expected a single @path argument, got %v", args)
	}
	b, err := os.ReadFile(rspFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "xxxx") {
		t.Fatalf("expected the response file to contain the long argument")
	}
}
