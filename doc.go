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

// Package swbuild is the incremental build core: command nodes, a
// crash-tolerant on-disk command record database, a file mtime cache, and
// a dependency-DAG scheduler. It does not parse build manifests, resolve
// packages, or drive a specific compiler; callers hand it a set of already
// constructed Command values and it decides what needs to rerun.
package swbuild
