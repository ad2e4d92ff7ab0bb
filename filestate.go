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
	"hash/fnv"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// refreshState is the CAS-driven state machine a FileRecord walks through
// exactly once per build: Unrefreshed -> InProgress -> {NotChanged|Changed}.
type refreshState int32

const (
	unrefreshed refreshState = iota
	inProgress
	notChanged
	changed
)

// minTime is what "missing or irregular" is represented as; it compares
// less than any real mtime, same as the spec's MIN sentinel.
var minTime = time.Time{}

// FileRecord is the per-path entry the file state cache hands out. While
// the file exists as a regular file, its last_write_time only ever moves
// forward within a process lifetime (enforced in refreshLocked); a refresh
// that finds it missing or irregular sets it back to the zero sentinel.
type FileRecord struct {
	path string

	state       atomic.Int32 // refreshState
	mtime       atomic.Int64 // UnixNano; minTime encoded as 0
	generated   atomic.Bool
	contentHash atomic.Uint64 // set on refresh when mtime granularity is coarse; 0 = unset

	genMu sync.Mutex
	gen   Node // the command, if any, that declares this path as an output
}

// SetGenerator records that n produces this path. Called from
// Command.Prepare as it registers its declared outputs; a path with no
// generator is treated as a source file the build does not produce.
func (r *FileRecord) SetGenerator(n Node) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	r.gen = n
	r.generated.Store(true)
}

// Generator returns the command that produces this path, if any command
// in the current plan declared it as an output.
func (r *FileRecord) Generator() (Node, bool) {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gen, r.gen != nil
}

// LastWriteTime returns the most recently observed mtime, or the zero
// Time if the file is missing or irregular.
func (r *FileRecord) LastWriteTime() time.Time {
	ns := r.mtime.Load()
	if ns == 0 {
		return minTime
	}
	return time.Unix(0, ns)
}

// MarkGenerated records that some command in the current build declares
// this path as an output.
func (r *FileRecord) MarkGenerated() { r.generated.Store(true) }

// Generated reports whether MarkGenerated or SetGenerator was ever called
// for this record.
func (r *FileRecord) Generated() bool { return r.generated.Load() }

// FileState is the process-wide cache of file mtimes, registered by
// absolute normalized path. It is the "C2" of the build core: every
// command consults it for program/input/output mtimes instead of calling
// stat directly, so a path stat'd by one command is free for the next.
type FileState struct {
	records *ConcurrentMap[FileRecord]

	// coarseGranularity is probed once, lazily, the first time a caller
	// asks: on filesystems with second- or higher-granularity mtimes
	// (HFS+, FAT, some container overlays), two writes inside one tick are
	// indistinguishable by mtime alone (§9 open question 1). When true,
	// FileRecord.refresh additionally stores a hash of the file content in
	// the record. Nothing reads that hash: Command.Outdated compares
	// mtimes only, and the hash is not persisted to the record store.
	coarseGranularity atomic.Bool
	coarseProbed      atomic.Bool
}

// NewFileState returns an empty cache.
func NewFileState() *FileState {
	return &FileState{records: NewConcurrentMap[FileRecord]()}
}

// pathKey reduces a normalized path to the 64-bit key used both as the
// ConcurrentMap key for this process's FileState (C1/C2) and as the
// persisted implicit-input path hash written to and read back from the
// command record DB (§3 "Command record", §6 "On-disk command-record
// format"). It must therefore be stable across process restarts, which
// rules out hash/maphash: maphash reseeds randomly on every process
// start, so a hash computed by this build would never match the one a
// prior build persisted to commands.bin.files.
func pathKey(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// Register returns the FileRecord for path, normalizing and creating it on
// first use. Idempotent: repeated calls with equivalent paths return the
// same record.
func (fs *FileState) Register(path string) (*FileRecord, error) {
	norm, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	key := pathKey(norm)
	r, _ := fs.records.InsertOrGet(key, func() FileRecord {
		return FileRecord{path: norm}
	})
	return r, nil
}

// Reset clears refresh_state on every record, as required between builds;
// the last observed mtime is kept (it is still a lower bound on the next
// real value), only the "have we looked this build" bit is cleared.
func (fs *FileState) Reset() {
	fs.records.Range(func(_ uint64, r *FileRecord) bool {
		r.state.Store(int32(unrefreshed))
		return true
	})
}

// Refresh reads the file system for r.path exactly once per build: the
// first caller to CAS Unrefreshed->InProgress does the stat and transitions
// to NotChanged or Changed; concurrent callers spin on the state word
// only, never touching the file system themselves.
func (r *FileRecord) Refresh(fs *FileState) {
	for {
		s := refreshState(r.state.Load())
		switch s {
		case notChanged, changed:
			return
		case inProgress:
			// Another goroutine is refreshing; spin on the state word.
			continue
		case unrefreshed:
			if r.state.CompareAndSwap(int32(unrefreshed), int32(inProgress)) {
				r.refreshLocked(fs)
				return
			}
			// Lost the race; retry the read.
		}
	}
}

func (r *FileRecord) refreshLocked(fs *FileState) {
	info, err := os.Stat(r.path)
	if err != nil || !info.Mode().IsRegular() {
		// Missing or irregular (directory, device, ...): always reported as
		// Changed, per spec, regardless of the previous state.
		r.mtime.Store(0)
		r.state.Store(int32(changed))
		return
	}

	newNS := info.ModTime().UnixNano()
	prevNS := r.mtime.Load()
	if newNS > prevNS {
		r.mtime.Store(newNS)
		if fs.granularityIsCoarse() {
			if h, err := hashFileContent(r.path); err == nil {
				r.contentHash.Store(h)
			}
		}
		r.state.Store(int32(changed))
	} else {
		r.state.Store(int32(notChanged))
	}
}

// granularityIsCoarse probes, once per FileState, whether two writes to the
// same file in immediate succession can share an mtime: it creates a
// scratch file, stats it, rewrites it straight away (no sleep), stats it
// again, and reports coarse when the two mtimes are equal. Cheap enough to
// pay once per FileState.
func (fs *FileState) granularityIsCoarse() bool {
	if fs.coarseProbed.Load() {
		return fs.coarseGranularity.Load()
	}
	if !fs.coarseProbed.CompareAndSwap(false, true) {
		return fs.coarseGranularity.Load()
	}

	f, err := os.CreateTemp("", "swbuild-granularity-probe-*")
	if err != nil {
		// Can't probe; assume fine-grained (the common case on ext4/APFS/NTFS).
		fs.coarseGranularity.Store(false)
		return false
	}
	name := f.Name()
	_ = f.Close()
	defer os.Remove(name)

	first, err1 := os.Stat(name)
	_ = os.WriteFile(name, []byte("b"), 0o644)
	second, err2 := os.Stat(name)
	coarse := err1 == nil && err2 == nil && first.ModTime().Equal(second.ModTime())
	fs.coarseGranularity.Store(coarse)
	return coarse
}

// hashFileContent is the mitigation for equal-tick rewrites (§9 open
// question 1): a cheap non-cryptographic digest used only to break ties
// when two writes to the same path land in the same mtime tick.
func hashFileContent(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := fnv.New64a()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// IsChangedSince returns "" when the record's last write time is at or
// before t, otherwise a human-readable reason string surfaced to the
// outdated-explain log.
func (r *FileRecord) IsChangedSince(t time.Time) string {
	lwt := r.LastWriteTime()
	if lwt.Equal(minTime) {
		return "file is missing"
	}
	if lwt.After(t) {
		return fmt.Sprintf("file is newer than command time (%s > %s)", lwt, t)
	}
	return ""
}
