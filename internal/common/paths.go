// Copyright 2024 LatentFS Authors
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

package common

import (
	"path"
	"strings"
)

// RootName is the entryname of the working-copy root inside the super-root.
const RootName = "@"

// NormalizePath cleans a slash-separated path and strips leading and trailing
// slashes. The root becomes "".
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components.
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components.
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent directory of a path.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the last component of a path.
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// RepoPath converts a working-directory relative path ("a/b") into the
// repo-path form used in status output and the journal ("@/a/b").
func RepoPath(rel string) string {
	rel = NormalizePath(rel)
	if rel == "" {
		return RootName + "/"
	}
	return RootName + "/" + rel
}

// DiskPath converts a repo path ("@/a/b") into a working-directory relative
// path ("a/b"). Plain relative paths are returned normalized.
func DiskPath(repoPath string) string {
	if repoPath == RootName {
		return ""
	}
	return NormalizePath(strings.TrimPrefix(repoPath, RootName+"/"))
}

// IsRepoPath reports whether p is written in "@/..." form.
func IsRepoPath(p string) bool {
	return p == RootName || strings.HasPrefix(p, RootName+"/")
}
