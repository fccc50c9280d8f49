// Package gittest builds throwaway git repositories for tests, using the git
// command. Tests relying on it should call SkipWithoutGit first.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// HasGit tells whether the git command is available
func HasGit() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// SkipWithoutGit skips the test when git isn't in $PATH
func SkipWithoutGit(t testing.TB) {
	t.Helper()
	if !HasGit() {
		t.Log("git not found, skipping")
		t.Skip()
	}
}

// Env is the environment used for every git command run by this package
func Env() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=gittest",
		"GIT_AUTHOR_EMAIL=gittest@localhost",
		"GIT_COMMITTER_NAME=gittest",
		"GIT_COMMITTER_EMAIL=gittest@localhost",
		"GIT_CONFIG_NOSYSTEM=1",
	)
}

// Run runs git in dir and returns its trimmed output, failing the test on error.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = Env()
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s in %s failed: %v: %s", strings.Join(args, " "), dir, err, out)
	}
	return strings.TrimSpace(string(out))
}

// Origin is a non-bare repository acting as a remote
type Origin struct {
	t   testing.TB
	Dir string
}

// NewOrigin initializes a repository on branch master in a temporary
// directory, with one initial commit.
func NewOrigin(t testing.TB) *Origin {
	t.Helper()
	o := &Origin{t: t, Dir: filepath.Join(t.TempDir(), "origin")}
	if err := os.MkdirAll(o.Dir, 0700); err != nil {
		t.Fatal(err)
	}
	Run(t, o.Dir, "init", "-q")
	Run(t, o.Dir, "symbolic-ref", "HEAD", "refs/heads/master")
	// lets pushes to a checked out branch succeed, should a test need it
	Run(t, o.Dir, "config", "receive.denyCurrentBranch", "ignore")
	o.Commit("README", "initial\n")
	return o
}

// Commit writes name with content and commits it on the current branch,
// returning the new HEAD hash.
func (o *Origin) Commit(name, content string) string {
	o.t.Helper()
	path := filepath.Join(o.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		o.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		o.t.Fatal(err)
	}
	Run(o.t, o.Dir, "add", "--", name)
	Run(o.t, o.Dir, "commit", "-q", "-m", "update "+name)
	return o.Head()
}

// Head returns the current HEAD hash
func (o *Origin) Head() string {
	o.t.Helper()
	return Run(o.t, o.Dir, "rev-parse", "HEAD")
}

// Checkout switches the origin to branch, creating it when create is true.
func (o *Origin) Checkout(branch string, create bool) {
	o.t.Helper()
	if create {
		Run(o.t, o.Dir, "checkout", "-q", "-b", branch)
		return
	}
	Run(o.t, o.Dir, "checkout", "-q", branch)
}

// Tag creates an annotated tag on HEAD and returns the tagged commit hash.
func (o *Origin) Tag(name string) string {
	o.t.Helper()
	Run(o.t, o.Dir, "tag", "-a", "-m", "tag "+name, name)
	return o.Head()
}

// RevParse resolves rev in dir
func RevParse(t testing.TB, dir, rev string) string {
	t.Helper()
	return Run(t, dir, "rev-parse", rev)
}
