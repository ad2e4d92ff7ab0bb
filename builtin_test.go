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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestArgEncoderDecoderRoundTrip(t *testing.T) {
	enc := NewArgEncoder().
		String("hello").
		Int(42).
		Strings([]string{"a", "b", "c"}).
		Files([]string{"x.txt", "y.txt"})

	r := NewArgReader(enc.Args())

	s, err := r.String()
	if err != nil || s != "hello" {
		t.Fatalf("String() = (%q, %v), want (\"hello\", nil)", s, err)
	}
	n, err := r.Int()
	if err != nil || n != 42 {
		t.Fatalf("Int() = (%d, %v), want (42, nil)", n, err)
	}
	ss, err := r.Strings()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ss); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
	fs, err := r.Files()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x.txt", "y.txt"}, fs); diff != "" {
		t.Errorf("Files() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunBuiltinJumppad_DispatchesRegisteredFunction(t *testing.T) {
	var got []string
	RegisterBuiltin("test.jumppad.echo", 3, func(args []string) error {
		got = args
		return nil
	})

	argv := append([]string{jumppadSentinel, "test.jumppad.echo", "3"}, "a", "b")
	ok, err := RunBuiltinJumppad(argv)
	if !ok {
		t.Fatalf("expected RunBuiltinJumppad to recognize the sentinel")
	}
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("dispatched args mismatch (-want +got):\n%s", diff)
	}
}

func TestRunBuiltinJumppad_VersionMismatch(t *testing.T) {
	RegisterBuiltin("test.jumppad.versioned", 2, func(args []string) error { return nil })

	argv := []string{jumppadSentinel, "test.jumppad.versioned", "1"}
	ok, err := RunBuiltinJumppad(argv)
	if !ok || err == nil {
		t.Fatalf("expected a version mismatch error")
	}
}

func TestRunBuiltinJumppad_IgnoresNonJumppadArgv(t *testing.T) {
	ok, err := RunBuiltinJumppad([]string{"-foo", "bar"})
	if ok || err != nil {
		t.Fatalf("got (%v, %v), want (false, nil) for a normal argv", ok, err)
	}
}
