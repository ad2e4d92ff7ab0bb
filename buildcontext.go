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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// formatVersion is the on-disk command-record format version (§6): bumping
// it changes the snapshot directory, so an incompatible build of this
// package never reads another version's records.
const formatVersion = 3

// BuildContext is the value a caller constructs once at the top of main and
// threads through every core API instead of the process-wide singletons the
// original design used (§9 "Global state"): it owns the file state cache,
// the local and global command record stores, the program-resolution
// memoization cache, and the ambient logging/status surface.
type BuildContext struct {
	FileState   *FileState
	LocalStore  *Store
	GlobalStore *Store

	// Logger emits structured "outdated reason" explain-log lines (§4.C4)
	// as well as storage/construction diagnostics. Human-facing progress
	// goes through Status instead.
	Logger zerolog.Logger
	// Explain enables the structured outdated-reason log; off by default
	// since it is a debugging aid, matching the teacher's own "-d explain"
	// opt-in flag (cmd/nin's debug flags).
	Explain bool
	Status  *StatusPrinter

	// SaveAllCommands unconditionally writes a reproducer for every
	// executed command, not only failed ones (§4.C4 "Reproducer").
	SaveAllCommands bool
	ReproducerDir   string
	ScratchDir      string

	resolveMu    sync.Mutex
	resolveCache map[string]string
}

// NewBuildContext opens the local store rooted at buildDir and the global,
// per-user store, and returns a ready-to-use context. moduleName is hashed
// down to the "12-char hash of module name" that names the per-config log
// file selected within each store (§4.C3).
func NewBuildContext(buildDir, moduleName string) (*BuildContext, error) {
	localDir := filepath.Join(buildDir, "db", fmt.Sprint(formatVersion))
	local, err := OpenStore(localDir, configName(moduleName))
	if err != nil {
		return nil, err
	}

	globalDir, err := defaultGlobalStoreDir()
	if err != nil {
		local.Save()
		return nil, err
	}
	global, err := OpenStore(globalDir, configName(moduleName))
	if err != nil {
		local.Save()
		return nil, err
	}

	return &BuildContext{
		FileState:     NewFileState(),
		LocalStore:    local,
		GlobalStore:   global,
		Logger:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
		Status:        NewStatusPrinter(os.Stdout),
		ReproducerDir: filepath.Join(buildDir, "rsp"),
		ScratchDir:    filepath.Join(buildDir, "tmp"),
		resolveCache:  make(map[string]string),
	}, nil
}

// configName turns moduleName into the "12-char hash of module name" the
// spec's log file naming calls for (§6 "Produced side effects").
func configName(moduleName string) string {
	sum := sha256.Sum256([]byte(moduleName))
	return hex.EncodeToString(sum[:])[:12]
}

func defaultGlobalStoreDir() (string, error) {
	d, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "swbuild", "db", fmt.Sprint(formatVersion)), nil
}

// Close folds both stores' logs into a fresh snapshot. It belongs at the
// point a BuildContext goes out of scope, mirroring the graceful-shutdown
// flush the original attaches to its process-wide singleton's destructor.
func (bc *BuildContext) Close() error {
	errLocal := bc.LocalStore.Save()
	errGlobal := bc.GlobalStore.Save()
	if errLocal != nil {
		return errLocal
	}
	return errGlobal
}

// resolveProgram turns a bare program name (no path separators, not
// already on disk relative to the working directory) into an absolute
// path, the way the original's resolveExecutable does: PATH lookup
// first, then a "which"/"where" subprocess fallback for shells or
// package managers that inject entries PATH-lookup alone misses, then
// (on Cygwin) a cygpath -w translation so exec.Cmd receives a native
// path. The result is memoized process-wide, since program resolution
// never changes within a single build.
func (bc *BuildContext) resolveProgram(name string) (string, error) {
	bc.resolveMu.Lock()
	if cached, ok := bc.resolveCache[name]; ok {
		bc.resolveMu.Unlock()
		return cached, nil
	}
	bc.resolveMu.Unlock()

	resolved, err := resolveProgramUncached(name)
	if err != nil {
		return "", err
	}

	bc.resolveMu.Lock()
	bc.resolveCache[name] = resolved
	bc.resolveMu.Unlock()
	return resolved, nil
}

func resolveProgramUncached(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	lookup := "which"
	if runtime.GOOS == "windows" {
		lookup = "where"
	}
	if out, err := exec.Command(lookup, name).Output(); err == nil {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) > 0 && lines[0] != "" {
			candidate := strings.TrimSpace(lines[0])
			return cygpathToWindows(candidate), nil
		}
	}

	return "", fmt.Errorf("swbuild: could not resolve executable %q on PATH", name)
}

// cygpathToWindows translates a Cygwin-style POSIX path to a native
// Windows path via the cygpath tool, when running under Cygwin; a
// failure (including "cygpath not found", the overwhelmingly common
// case outside Cygwin) just returns p unchanged.
func cygpathToWindows(p string) string {
	if runtime.GOOS != "windows" || !strings.HasPrefix(p, "/") {
		return p
	}
	out, err := exec.Command("cygpath", "-w", p).Output()
	if err != nil {
		return p
	}
	return strings.TrimSpace(string(out))
}

// storeFor resolves a command's storage scope to the store it should
// consult, reporting ok=false for CommandScope values that don't persist
// (ScopeNone).
func (bc *BuildContext) storeFor(scope CommandScope) (*Store, bool) {
	switch scope {
	case ScopeLocal:
		return bc.LocalStore, true
	case ScopeGlobal:
		return bc.GlobalStore, true
	default:
		return nil, false
	}
}
