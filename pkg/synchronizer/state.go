package synchronizer

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/remote"
)

var appFs = afero.NewOsFs()

// DirectoryState is what a target directory holds before a synchronization
type DirectoryState int

const (
	// Absent means nothing exists at the directory path
	Absent DirectoryState = iota

	// EmptyDirectory means an existing directory with no entry
	EmptyDirectory

	// ExistingRepoMatchingURL means a repository with a remote on the target url
	ExistingRepoMatchingURL

	// ExistingRepoMismatchedURL means a repository without a remote on the target url
	ExistingRepoMismatchedURL

	// ExistingNonRepoData means anything else
	ExistingNonRepoData
)

func (s DirectoryState) String() string {
	switch s {
	case Absent:
		return "absent"
	case EmptyDirectory:
		return "empty"
	case ExistingRepoMatchingURL:
		return "repository"
	case ExistingRepoMismatchedURL:
		return "repository with another remote"
	case ExistingNonRepoData:
		return "unrelated data"
	}
	return fmt.Sprintf("DirectoryState(%d)", int(s))
}

// Classify inspects dir and tells what it holds relative to url.
func Classify(dir, url string) (DirectoryState, error) {
	state, _, err := classify(dir, url)
	return state, err
}

// classify also returns the name of the remote registered with url
func classify(dir, url string) (DirectoryState, string, error) {
	fi, err := appFs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Absent, "", nil
		}
		return 0, "", fmt.Errorf("failed to stat %s: %v", dir, err)
	}

	if !fi.IsDir() {
		return ExistingNonRepoData, "", nil
	}

	entries, err := afero.ReadDir(appFs, dir)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list %s: %v", dir, err)
	}
	if len(entries) == 0 {
		return EmptyDirectory, "", nil
	}

	if !remote.IsRepo(dir) {
		return ExistingNonRepoData, "", nil
	}

	name, err := remote.RemoteFor(dir, url)
	if err != nil {
		return 0, "", err
	}
	if name == "" {
		return ExistingRepoMismatchedURL, "", nil
	}

	return ExistingRepoMatchingURL, name, nil
}
