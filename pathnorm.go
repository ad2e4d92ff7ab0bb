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
	"path/filepath"
	"strings"
)

// normalizePath turns path into the single canonical form used as a map
// key everywhere in this package: absolute, slash-normalized (backslashes
// become forward slashes before Clean runs, so the same key is produced on
// every platform), case preserved, "." and ".." components collapsed.
//
// Every path stored in the record DB, used as a map key, or hashed into an
// implicit-input set must go through this function. Mixing normalization
// policies between a writer and a later reader silently invalidates the
// on-disk DB (§9 "Path normalization").
func normalizePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	p := strings.ReplaceAll(path, "\\", "/")
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}
	p = filepath.Clean(p)
	return filepath.ToSlash(p), nil
}

// mustNormalizePath is normalizePath for call sites that already know the
// path is well-formed (e.g. derived from os.Getwd); it falls back to the
// input unchanged rather than panicking, since a malformed path should
// surface as a downstream stat failure, not a crash inside a hot path.
func mustNormalizePath(path string) string {
	p, err := normalizePath(path)
	if err != nil {
		return path
	}
	return p
}
