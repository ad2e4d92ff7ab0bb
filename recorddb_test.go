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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStore_LookupMissing(t *testing.T) {
	s, err := OpenStore(t.TempDir(), "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Save()

	if _, ok := s.Lookup(12345); ok {
		t.Fatalf("expected no record for an unknown hash")
	}
}

func TestStore_UpdateThenLookup(t *testing.T) {
	s, err := OpenStore(t.TempDir(), "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Save()

	s.Update(1, 100, []string{"/a/b.c"})
	// Update is fire-and-forget, but Lookup reads the in-memory map that
	// Update populates synchronously before handing off to the log writer.
	rec, ok := s.Lookup(1)
	if !ok {
		t.Fatalf("expected record for hash 1 after Update")
	}
	if rec.Mtime != 100 {
		t.Fatalf("got mtime %d, want 100", rec.Mtime)
	}
	if len(rec.ImplicitInputs) != 1 {
		t.Fatalf("got %d implicit inputs, want 1", len(rec.ImplicitInputs))
	}
	p, ok := s.PathForHash(rec.ImplicitInputs[0])
	if !ok || filepath.Base(p) != "b.c" {
		t.Fatalf("got (%q, %v), want a path ending in b.c", p, ok)
	}
}

func TestStore_UpdateLastWriteWins(t *testing.T) {
	s, err := OpenStore(t.TempDir(), "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Save()

	s.Update(1, 100, nil)
	s.Update(1, 200, nil)
	rec, ok := s.Lookup(1)
	if !ok || rec.Mtime != 200 {
		t.Fatalf("got %+v, want mtime 200 to win", rec)
	}
}

func TestStore_SaveAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	s.Update(1, 100, []string{"/a/b.c"})
	s.Update(2, 150, []string{"/a/b.c", "/a/d.e"})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	// The log files should be gone after a clean Save.
	cmdLog, fileLog := logFileNames("debug")
	if _, err := os.Stat(filepath.Join(dir, cmdLog)); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed after Save", cmdLog)
	}
	if _, err := os.Stat(filepath.Join(dir, fileLog)); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed after Save", fileLog)
	}

	s2, err := OpenStore(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Save()

	rec1, ok := s2.Lookup(1)
	if !ok || rec1.Mtime != 100 {
		t.Fatalf("got %+v, ok=%v, want mtime 100 after reopen", rec1, ok)
	}
	rec2, ok := s2.Lookup(2)
	if !ok || rec2.Mtime != 150 {
		t.Fatalf("got %+v, ok=%v, want mtime 150 after reopen", rec2, ok)
	}
	if len(rec2.ImplicitInputs) != 2 {
		t.Fatalf("got %d implicit inputs after reopen, want 2", len(rec2.ImplicitInputs))
	}
}

func TestStore_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	s.Update(1, 100, nil)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write to the snapshot: append a size prefix that
	// promises more bytes than actually follow.
	path := filepath.Join(dir, commandsSnapshotName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	goodSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2, err := OpenStore(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Save()

	rec, ok := s2.Lookup(1)
	if !ok || rec.Mtime != 100 {
		t.Fatalf("expected the one clean record to survive a torn tail, got %+v, ok=%v", rec, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != goodSize {
		t.Fatalf("expected the snapshot to be truncated back to %d bytes, got %d", goodSize, info.Size())
	}
}

func TestRecordRoundTrip(t *testing.T) {
	r := Record{Hash: 42, Mtime: 999, ImplicitInputs: []uint64{1, 2, 3}}
	got, err := decodeCommandRecord(encodeCommandRecord(r))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreDirFor(t *testing.T) {
	got, err := storeDirFor(Local, "/local", "/global")
	if err != nil || got != "/local" {
		t.Fatalf("got (%q, %v), want /local", got, err)
	}
	got, err = storeDirFor(Global, "/local", "/global")
	if err != nil || got != "/global" {
		t.Fatalf("got (%q, %v), want /global", got, err)
	}
}
