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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Record is a single command record DB entry: the recorded build time of a
// command and the implicit inputs it had at that time, keyed by command_hash
// in the owning Store.
type Record struct {
	Hash           uint64
	Mtime          uint64 // UnixNano
	ImplicitInputs []uint64
}

// Scope selects one of the two parallel stores a Store may write to: Local
// (per build directory, config-specific log file name) or Global (shared
// across every build directory for the same user, per §4.C3).
type Scope int

const (
	Local Scope = iota
	Global
)

const (
	commandsSnapshotName = "commands.bin"
	commandsFilesName    = "commands.bin.files"
)

func logFileNames(config string) (cmds, files string) {
	return "cmd_log_" + config + ".bin", "cmd_log_" + config + ".bin.files"
}

// pendingUpdate is what Update pushes onto the single-threaded log writer
// after it has already stored the record in the in-memory map; Store.run
// appends them to the on-disk log in the order they arrive on the channel.
type pendingUpdate struct {
	rec Record
}

// Store is the on-disk, crash-tolerant command record DB described in
// §4.C3: a snapshot file folded with an append-only log at load time, a
// fire-and-forget Update API backed by a single-threaded writer goroutine so
// command execution never blocks on disk I/O, and a directory-level flock,
// taken only for the duration of Save, that serializes snapshot writes
// across processes while leaving readers lock-free.
type Store struct {
	dir    string
	config string

	dirFD int // held open for the lifetime of the Store, used for flock

	mu      sync.RWMutex
	records map[uint64]Record
	paths   map[uint64]string // path hash -> normalized path, for implicit-input hashes

	updates chan pendingUpdate
	wg      sync.WaitGroup // in-flight Update callers; Save waits for this before closing updates
	closed  atomic.Bool
	runDone chan struct{}

	logCmdFile   *os.File
	logFileFile  *os.File
	writtenPaths map[uint64]bool // path hashes already appended to the file log this session
}

// OpenStore opens (creating if necessary) the store rooted at dir for the
// given build configuration name (used to select the per-config log file).
// It folds the snapshot and any existing log into memory, truncating a torn
// final record rather than failing the open.
func OpenStore(dir, config string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Underlying: err}
	}
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return nil, &StorageError{Op: "open store directory", Underlying: err}
	}

	s := &Store{
		dir:          dir,
		config:       config,
		dirFD:        fd,
		records:      make(map[uint64]Record),
		paths:        make(map[uint64]string),
		updates:      make(chan pendingUpdate, 4096),
		runDone:      make(chan struct{}),
		writtenPaths: make(map[uint64]bool),
	}

	if err := s.load(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	cmdLogName, fileLogName := logFileNames(config)
	s.logCmdFile, err = os.OpenFile(filepath.Join(dir, cmdLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		unix.Close(fd)
		return nil, &StorageError{Op: "open command log", Underlying: err}
	}
	s.logFileFile, err = os.OpenFile(filepath.Join(dir, fileLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logCmdFile.Close()
		unix.Close(fd)
		return nil, &StorageError{Op: "open path log", Underlying: err}
	}

	go s.run()
	return s, nil
}

// load folds the snapshot and the config's log into memory. Called once,
// from OpenStore, before the writer goroutine starts.
func (s *Store) load() error {
	if err := s.loadFileRecords(commandsFilesName); err != nil {
		return err
	}
	if err := s.loadCommandRecords(commandsSnapshotName); err != nil {
		return err
	}
	cmdLogName, fileLogName := logFileNames(s.config)
	if err := s.loadFileRecords(fileLogName); err != nil {
		return err
	}
	if err := s.loadCommandRecords(cmdLogName); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadFileRecords(name string) error {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "open " + name, Underlying: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, err := readSizedRecord(r)
		if err == io.EOF {
			return nil
		}
		if err == errTornRecord {
			return truncateAt(path)
		}
		if err != nil {
			return &StorageError{Op: "read " + name, Underlying: err}
		}
		// NUL-terminated normalized path.
		n := len(payload)
		if n > 0 && payload[n-1] == 0 {
			n--
		}
		p := string(payload[:n])
		key := pathKey(p)
		s.paths[key] = p
	}
}

func (s *Store) loadCommandRecords(name string) error {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "open " + name, Underlying: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, err := readSizedRecord(r)
		if err == io.EOF {
			return nil
		}
		if err == errTornRecord {
			return truncateAt(path)
		}
		if err != nil {
			return &StorageError{Op: "read " + name, Underlying: err}
		}
		if len(payload) == 0 {
			continue
		}
		rec, err := decodeCommandRecord(payload)
		if err != nil {
			// A malformed (but correctly size-prefixed) record stops the load:
			// it and everything after it are not loaded into memory.
			// truncateAt cuts the file only at an incomplete record, so a
			// complete malformed record stays on disk.
			return truncateAt(path)
		}
		s.records[rec.Hash] = rec
	}
}

var errTornRecord = xerrors.New("torn record")

// readSizedRecord reads one `u64 size` + `size` bytes record. It reports
// errTornRecord when a size prefix was read but the payload could not be
// read in full (the hallmark of a crash mid-write).
func readSizedRecord(r *bufio.Reader) ([]byte, error) {
	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errTornRecord
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errTornRecord
	}
	return payload, nil
}

// truncateAt re-scans path without buffering to find the exact byte offset
// of the last completely-readable record, then truncates the file there.
// This is the "detected by size mismatch, file truncated at that offset"
// behavior from §4.C3: bufio.Reader does not expose how much of a torn
// trailing record it consumed, so the caller reopens unbuffered and replays
// from the start to find the true cut point.
func truncateAt(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return &StorageError{Op: "truncate " + path, Underlying: err}
	}
	defer f.Close()

	var offset int64
	for {
		var sizeBuf [8]byte
		n, err := io.ReadFull(f, sizeBuf[:])
		if err != nil || n < 8 {
			break
		}
		size := binary.LittleEndian.Uint64(sizeBuf[:])
		payload := make([]byte, size)
		n2, err := io.ReadFull(f, payload)
		if err != nil || uint64(n2) < size {
			break
		}
		offset += 8 + int64(size)
	}
	if err := f.Truncate(offset); err != nil {
		return &StorageError{Op: "truncate " + path, Underlying: err}
	}
	return nil
}

func decodeCommandRecord(payload []byte) (Record, error) {
	if len(payload) < 24 {
		return Record{}, xerrors.Errorf("command record too short: %d bytes", len(payload))
	}
	hash := binary.LittleEndian.Uint64(payload[0:8])
	mtime := binary.LittleEndian.Uint64(payload[8:16])
	n := binary.LittleEndian.Uint64(payload[16:24])
	want := 24 + int(n)*8
	if len(payload) != want {
		return Record{}, xerrors.Errorf("command record length mismatch: got %d, want %d", len(payload), want)
	}
	inputs := make([]uint64, n)
	for i := range inputs {
		off := 24 + i*8
		inputs[i] = binary.LittleEndian.Uint64(payload[off : off+8])
	}
	return Record{Hash: hash, Mtime: mtime, ImplicitInputs: inputs}, nil
}

func encodeCommandRecord(r Record) []byte {
	n := len(r.ImplicitInputs)
	payload := make([]byte, 24+n*8)
	binary.LittleEndian.PutUint64(payload[0:8], r.Hash)
	binary.LittleEndian.PutUint64(payload[8:16], r.Mtime)
	binary.LittleEndian.PutUint64(payload[16:24], uint64(n))
	for i, h := range r.ImplicitInputs {
		off := 24 + i*8
		binary.LittleEndian.PutUint64(payload[off:off+8], h)
	}
	return payload
}

func encodeFileRecord(path string) []byte {
	return append([]byte(path), 0)
}

func writeSizedRecord(w io.Writer, payload []byte) error {
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(payload)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Lookup returns the record for hash, if present.
func (s *Store) Lookup(hash uint64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[hash]
	return r, ok
}

// PathForHash resolves a path hash (as found in a Record's ImplicitInputs)
// back to the normalized path string, when known to this store.
func (s *Store) PathForHash(hash uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[hash]
	return p, ok
}

// Update is fire-and-forget: it hands the record to the single-threaded log
// writer and returns immediately, so command execution never blocks on
// disk. For a given hash, the most recently submitted Update wins, since the
// writer applies updates strictly in submission order. A call arriving after
// Save has begun shutting the store down is a silent no-op: the caller is
// past the point where a Save could have picked it up anyway.
func (s *Store) Update(hash uint64, mtime uint64, implicitInputs []string) {
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	if s.closed.Load() {
		return
	}

	inputHashes := make([]uint64, len(implicitInputs))
	s.mu.Lock()
	for i, p := range implicitInputs {
		norm := mustNormalizePath(p)
		k := pathKey(norm)
		inputHashes[i] = k
		if _, known := s.paths[k]; !known {
			s.paths[k] = norm
		}
	}
	rec := Record{Hash: hash, Mtime: mtime, ImplicitInputs: inputHashes}
	s.records[hash] = rec
	s.mu.Unlock()

	s.updates <- pendingUpdate{rec: rec}
}

// run is the single-threaded log writer: it owns logCmdFile/logFileFile and
// is the only goroutine that appends to them, so Update never writes to
// disk itself.
func (s *Store) run() {
	for u := range s.updates {
		for _, h := range u.rec.ImplicitInputs {
			s.mu.RLock()
			already := s.writtenPaths[h]
			p, known := s.paths[h]
			s.mu.RUnlock()
			if already || !known {
				continue
			}
			if err := writeSizedRecord(s.logFileFile, encodeFileRecord(p)); err == nil {
				s.mu.Lock()
				s.writtenPaths[h] = true
				s.mu.Unlock()
			}
		}
		_ = writeSizedRecord(s.logCmdFile, encodeCommandRecord(u.rec))
	}
	close(s.runDone)
}

// Save folds the in-memory map into a fresh snapshot, written atomically,
// then removes the per-config log files. Intended for a graceful DB
// shutdown; a crash before Save simply leaves the next Open to fold the logs
// again.
func (s *Store) Save() error {
	s.closed.Store(true)
	s.wg.Wait() // no Update call can still be about to send on s.updates
	close(s.updates)
	<-s.runDone // run() has drained s.updates and returned

	unlock := s.lockDir()
	defer unlock()

	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	paths := make([]string, 0, len(s.paths))
	for _, p := range s.paths {
		paths = append(paths, p)
	}
	s.mu.RUnlock()

	if err := s.writeSnapshot(commandsSnapshotName, records); err != nil {
		return err
	}
	if err := s.writeFileSnapshot(commandsFilesName, paths); err != nil {
		return err
	}

	cmdLogName, fileLogName := logFileNames(s.config)
	s.logCmdFile.Close()
	s.logFileFile.Close()
	_ = os.Remove(filepath.Join(s.dir, cmdLogName))
	_ = os.Remove(filepath.Join(s.dir, fileLogName))
	unix.Close(s.dirFD)
	return nil
}

func (s *Store) writeSnapshot(name string, records []Record) error {
	dest := filepath.Join(s.dir, name)
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return &StorageError{Op: "create snapshot " + name, Underlying: err}
	}
	defer f.Cleanup()
	for _, r := range records {
		if err := writeSizedRecord(f, encodeCommandRecord(r)); err != nil {
			return &StorageError{Op: "write snapshot " + name, Underlying: err}
		}
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return &StorageError{Op: "replace snapshot " + name, Underlying: err}
	}
	return nil
}

func (s *Store) writeFileSnapshot(name string, paths []string) error {
	dest := filepath.Join(s.dir, name)
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return &StorageError{Op: "create snapshot " + name, Underlying: err}
	}
	defer f.Cleanup()
	for _, p := range paths {
		if err := writeSizedRecord(f, encodeFileRecord(p)); err != nil {
			return &StorageError{Op: "write snapshot " + name, Underlying: err}
		}
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return &StorageError{Op: "replace snapshot " + name, Underlying: err}
	}
	return nil
}

// lockDir takes an exclusive flock on the store directory for the duration
// of Save, serializing writers across processes; readers (Lookup) never
// take this lock.
func (s *Store) lockDir() (unlock func()) {
	if err := unix.Flock(s.dirFD, unix.LOCK_EX); err != nil {
		return func() {}
	}
	return func() { _ = unix.Flock(s.dirFD, unix.LOCK_UN) }
}

func storeDirFor(scope Scope, localDir, globalDir string) (string, error) {
	switch scope {
	case Local:
		return localDir, nil
	case Global:
		return globalDir, nil
	default:
		return "", fmt.Errorf("unknown storage scope %d", scope)
	}
}
