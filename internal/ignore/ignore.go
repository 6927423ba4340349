// Package ignore decides which uncontrolled entries status reports as
// IGNORED rather than FOUND.
package ignore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	gitignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// FileName is the per-directory ignore file, written in .gitignore syntax.
const FileName = ".wcignore"

// Matcher combines .wcignore files found in the tree with config globs.
type Matcher struct {
	scoped []scopedMatcher
	globs  []glob.Glob
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *gitignore.GitIgnore
}

// New builds a Matcher for the working copy at root. skipDir names a
// directory under root that is never walked (the drawer).
func New(root, skipDir string, useFiles bool, patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		m.globs = append(m.globs, g)
	}
	if !useFiles || root == "" {
		return m, nil
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if skipDir != "" && path == filepath.Join(root, skipDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(path) != FileName {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			log.Debugf("ignore: cannot read %s: %v", path, readErr)
			return nil
		}
		relDir, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		relDir = filepath.ToSlash(relDir)
		if relDir == "." {
			relDir = ""
		}
		m.scoped = append(m.scoped, scopedMatcher{
			dirPrefix: relDir,
			ignore:    gitignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Ignored reports whether the working-copy relative path matches an ignore
// rule.
func (m *Matcher) Ignored(relPath string, isDir bool) bool {
	if m == nil || relPath == "" {
		return false
	}
	for _, g := range m.globs {
		if g.Match(relPath) || g.Match(filepath.Base(relPath)) {
			return true
		}
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}
	for _, sm := range m.scoped {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
