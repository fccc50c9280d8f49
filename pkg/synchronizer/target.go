package synchronizer

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/consistency"
	"github.com/bpineau/gitbound/pkg/remote"
	"github.com/bpineau/gitbound/pkg/store/git"
)

// DefaultStampName is the stamp file name, in the repository's git
// directory, when a target doesn't name a stamp path.
var DefaultStampName = "gitbound.stamp"

// CloneOptions tune the initial clone
type CloneOptions struct {
	// ExtraBranches get a local tracking branch right after the clone
	ExtraBranches []string
	Submodules    bool
}

// Target is a directory to keep synchronized with a remote at a bound
type Target struct {
	Directory     string
	URL           string
	Bound         bound.Bound
	CheckInterval time.Duration
	Clone         CloneOptions
	Merge         git.MergeOptions

	// AllowLocalChanges lets checkouts proceed over conflicting local edits
	AllowLocalChanges bool

	// StampPath defaults to DefaultStampName in the git directory
	StampPath string

	// LockPath, when set, serializes SynchronizeLocked calls across processes
	LockPath string

	// Excludes are extra doublestar globs left out of the outputs
	Excludes []string

	SSHKeyFile     string
	HTTPSTokenFile string
}

// Validate checks the target is usable
func (t *Target) Validate() error {
	if t.Directory == "" {
		return errors.New("a target needs a directory")
	}
	if t.URL == "" {
		return fmt.Errorf("target %s needs a remote url", t.Directory)
	}
	if t.Bound == nil {
		return fmt.Errorf("target %s needs a bound", t.Directory)
	}
	if t.CheckInterval < 0 {
		return fmt.Errorf("target %s has a negative check interval", t.Directory)
	}

	switch b := t.Bound.(type) {
	case bound.BranchBound:
		if err := bound.ValidateName(b.Name); err != nil {
			return fmt.Errorf("target %s: %v", t.Directory, err)
		}
	case bound.TagBound:
		if err := bound.ValidateName(b.Name); err != nil {
			return fmt.Errorf("target %s: %v", t.Directory, err)
		}
	}

	for _, name := range t.Clone.ExtraBranches {
		if name == "" {
			continue
		}
		if err := bound.ValidateName(name); err != nil {
			return fmt.Errorf("target %s extra branch: %v", t.Directory, err)
		}
	}

	return nil
}

// Record returns the consistency record of this target
func (t *Target) Record() *consistency.Record {
	path := t.StampPath
	if path == "" {
		// .git may be a file pointing elsewhere (worktrees, submodules)
		path = filepath.Join(remote.GitDir(t.Directory), DefaultStampName)
	}

	return &consistency.Record{
		Directory: t.Directory,
		URL:       t.URL,
		Bound:     t.Bound,
		Interval:  t.CheckInterval,
		Path:      path,
	}
}

// extraBranches returns the extra branches once each, in order, without
// the default branch.
func (t *Target) extraBranches(defaultBranch string) []string {
	seen := map[string]bool{defaultBranch: true}
	branches := make([]string, 0, len(t.Clone.ExtraBranches))
	for _, b := range t.Clone.ExtraBranches {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		branches = append(branches, b)
	}
	return branches
}

// Result describes a successful synchronization
type Result struct {
	Directory string
	URL       string
	Ref       string
	Hash      string
	State     DirectoryState
	Cloned    bool
	Pulled    bool
	Files     []string
	Record    *consistency.Record
}
