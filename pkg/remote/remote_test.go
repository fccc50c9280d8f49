package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/gittest"
	"github.com/bpineau/gitbound/pkg/syncerr"
)

func TestListAndResolve(t *testing.T) {
	gittest.SkipWithoutGit(t)

	origin := gittest.NewOrigin(t)
	master := origin.Head()
	tagged := origin.Tag("v1.0")
	origin.Checkout("feature", true)
	feature := origin.Commit("feature.txt", "feature\n")
	origin.Checkout("master", false)

	acc := New()
	ctx := context.Background()

	refs, err := acc.List(ctx, origin.Dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	var peeled bool
	for _, r := range refs {
		if strings.HasSuffix(r.Name().String(), "^{}") {
			peeled = true
		}
	}
	if !peeled {
		t.Error("List should append peeled entries for annotated tags")
	}

	tests := []struct {
		b    bound.Bound
		want string
	}{
		{bound.Branch(origin.Dir, "master"), master},
		{bound.Branch(origin.Dir, "feature"), feature},
		{bound.Tag(origin.Dir, "v1.0"), tagged},
		{bound.Commit(master), master},
	}
	for _, tt := range tests {
		got, err := acc.Resolve(ctx, tt.b)
		if err != nil {
			t.Errorf("resolving %s failed: %v", tt.b, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s should resolve to %s, got %s", tt.b, tt.want, got)
		}
	}

	if _, err = acc.Resolve(ctx, bound.Branch(origin.Dir, "nope")); !errors.Is(err, syncerr.RefNotFound) {
		t.Errorf("an unknown branch should be RefNotFound, got %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	gittest.SkipWithoutGit(t)

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	acc := New()

	if acc.IsReachable(context.Background(), missing) {
		t.Error("a missing repository shouldn't be reachable")
	}

	_, err := acc.Resolve(context.Background(), bound.Branch(missing, "master"))
	if !errors.Is(err, syncerr.RemoteUnreachable) {
		t.Errorf("resolving against a missing remote should be RemoteUnreachable, got %v", err)
	}
}

func TestLocalMetadata(t *testing.T) {
	gittest.SkipWithoutGit(t)

	origin := gittest.NewOrigin(t)
	clone := filepath.Join(t.TempDir(), "clone")
	gittest.Run(t, filepath.Dir(clone), "clone", "-q", origin.Dir, clone)

	if !IsRepo(clone) {
		t.Error("a fresh clone should be a repository")
	}

	head, err := New().HeadHash(clone)
	if err != nil || head != origin.Head() {
		t.Errorf("HeadHash should return the origin's HEAD %s, got %s (%v)", origin.Head(), head, err)
	}

	name, err := RemoteFor(clone, origin.Dir+"/")
	if err != nil || name != "origin" {
		t.Errorf("RemoteFor should find origin, got %q (%v)", name, err)
	}

	set, err := IsURLSet(clone, "https://example.com/other.git")
	if err != nil || set {
		t.Errorf("IsURLSet should be false for an unknown url (%v)", err)
	}

	plain := t.TempDir()
	if IsRepo(plain) {
		t.Error("an empty directory isn't a repository")
	}
	if _, err = HeadHash(plain); err == nil {
		t.Error("HeadHash should fail outside a repository")
	}
	if _, err = RemoteFor(plain, origin.Dir); err == nil {
		t.Error("RemoteFor should fail outside a repository")
	}
}

func TestAuthFromFiles(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cr3t\n"), 0600); err != nil {
		t.Fatal(err)
	}

	auth, err := AuthFromFiles("https://example.com/r.git", "", tokenFile, os.ReadFile)
	if err != nil || auth == nil {
		t.Fatalf("https token auth should be built (%v)", err)
	}
	if !strings.Contains(auth.String(), "x-access-token") {
		t.Errorf("unexpected auth method: %s", auth)
	}

	auth, err = AuthFromFiles("https://example.com/r.git", "", "", os.ReadFile)
	if err != nil || auth != nil {
		t.Errorf("no credentials should yield no auth method (%v)", err)
	}

	if _, err = AuthFromFiles("git@example.com:r.git", "/non/existent/key", "", os.ReadFile); err == nil {
		t.Error("a missing ssh key should fail")
	}

	if !IsSSH("ssh://git@example.com/r.git") || IsSSH("https://example.com") || !IsHTTPS("https://x") {
		t.Error("url scheme detection is broken")
	}
}

func TestGitDir(t *testing.T) {
	gittest.SkipWithoutGit(t)

	origin := gittest.NewOrigin(t)
	root := t.TempDir()
	clone := filepath.Join(root, "clone")
	gittest.Run(t, root, "clone", "-q", origin.Dir, clone)

	if got := GitDir(clone); got != filepath.Join(clone, ".git") {
		t.Errorf("GitDir of a plain clone should be its .git, got %s", got)
	}

	wt, sep := filepath.Join(root, "wt"), filepath.Join(root, "sep.git")
	gittest.Run(t, root, "clone", "-q", "--separate-git-dir", sep, origin.Dir, wt)

	got, _ := filepath.EvalSymlinks(GitDir(wt))
	want, _ := filepath.EvalSymlinks(sep)
	if got != want {
		t.Errorf("GitDir should follow the .git file to %s, got %s", want, got)
	}

	plain := t.TempDir()
	if got := GitDir(plain); got != filepath.Join(plain, ".git") {
		t.Errorf("GitDir outside a repository should fall back to .git, got %s", got)
	}
}
