// Package outputs lists the files of a working tree that count as build
// products: everything but git metadata and paths ignored by the
// repository's ignore rules.
package outputs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/syncerr"
)

const (
	gitDir        = ".git"
	gitignoreFile = ".gitignore"
	commentPrefix = "#"
)

var (
	appFs = afero.NewOsFs()

	infoExclude = []string{gitDir, "info", "exclude"}
)

type logger interface {
	Debugf(format string, args ...interface{})
}

// Enumerator walks working trees
type Enumerator struct {
	logger   logger
	excludes []string
}

// New returns an Enumerator. Paths matching one of the excludes globs
// (doublestar syntax, relative to the tree root, slash separated) are
// skipped on top of the git ignore rules.
func New(log logger, excludes ...string) *Enumerator {
	return &Enumerator{
		logger:   log,
		excludes: excludes,
	}
}

// List returns the absolute paths of the files under dir, depth-first in
// lexical order. Directories aren't reported. Any I/O error aborts the
// walk with an EnumerationFailed error.
func (e *Enumerator) List(dir string) ([]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, syncerr.New(syncerr.EnumerationFailed, dir, "", "", err)
	}

	patterns, err := readPatterns(filepath.Join(root, filepath.Join(infoExclude...)), nil)
	if err != nil {
		return nil, syncerr.New(syncerr.EnumerationFailed, root, "", "", err)
	}

	files := make([]string, 0)
	if err = e.walk(root, nil, patterns, &files); err != nil {
		return nil, syncerr.New(syncerr.EnumerationFailed, root, "", "", err)
	}

	return files, nil
}

func (e *Enumerator) walk(root string, domain []string, patterns []gitignore.Pattern, files *[]string) error {
	dir := filepath.Join(append([]string{root}, domain...)...)

	local, err := readPatterns(filepath.Join(dir, gitignoreFile), domain)
	if err != nil {
		return err
	}
	if len(local) > 0 {
		// deeper rules take precedence, so they go last
		patterns = append(patterns[:len(patterns):len(patterns)], local...)
	}
	matcher := gitignore.NewMatcher(patterns)

	entries, err := afero.ReadDir(appFs, dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %v", dir, err)
	}

	for _, entry := range entries {
		if entry.Name() == gitDir {
			continue
		}

		path := make([]string, len(domain), len(domain)+1)
		copy(path, domain)
		path = append(path, entry.Name())

		if matcher.Match(path, entry.IsDir()) {
			e.logger.Debugf("%s is ignored", strings.Join(path, "/"))
			continue
		}

		excluded, err := e.excluded(strings.Join(path, "/"))
		if err != nil {
			return err
		}
		if excluded {
			e.logger.Debugf("%s is excluded", strings.Join(path, "/"))
			continue
		}

		if entry.IsDir() {
			if err = e.walk(root, path, patterns, files); err != nil {
				return err
			}
			continue
		}

		*files = append(*files, filepath.Join(dir, entry.Name()))
	}

	return nil
}

func (e *Enumerator) excluded(path string) (bool, error) {
	for _, pattern := range e.excludes {
		ok, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid exclude pattern %q: %v", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// readPatterns parses an ignore file. A missing file holds no pattern.
func readPatterns(path string, domain []string) ([]gitignore.Pattern, error) {
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}

	var ps []gitignore.Pattern
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, commentPrefix) || strings.TrimSpace(line) == "" {
			continue
		}
		ps = append(ps, gitignore.ParsePattern(line, domain))
	}

	return ps, scanner.Err()
}
