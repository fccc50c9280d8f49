package synchronizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/gittest"
	"github.com/bpineau/gitbound/pkg/store/git"
	"github.com/bpineau/gitbound/pkg/syncerr"
)

var now = time.UnixMilli(1700000000000)

func newSynchronizer() *Synchronizer {
	log, _ := test.NewNullLogger()
	return New(log)
}

func newTarget(dir, url string, b bound.Bound) *Target {
	return &Target{
		Directory: dir,
		URL:       url,
		Bound:     b,
		Merge:     git.MergeOptions{FastForward: git.FFOnly, Strategy: git.Resolve},
	}
}

func TestSynchronizeEmptyDirectory(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	origin.Commit("src/main.go", "package main\n")
	head := origin.Head()

	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))

	res, err := newSynchronizer().Synchronize(context.Background(), target, now)
	require.NoError(t, err)

	assert.Equal(t, EmptyDirectory, res.State)
	assert.True(t, res.Cloned)
	assert.Equal(t, head, res.Hash)
	assert.Equal(t, head, gittest.RevParse(t, dir, "HEAD"))
	assert.Equal(t, []string{
		filepath.Join(dir, "README"),
		filepath.Join(dir, "src", "main.go"),
	}, res.Files)

	last, err := res.Record.LastCheckedAt()
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestSynchronizeIdempotent(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	dir := filepath.Join(t.TempDir(), "absent", "checkout")
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))
	s := newSynchronizer()

	first, err := s.Synchronize(context.Background(), target, now)
	require.NoError(t, err)
	assert.Equal(t, Absent, first.State)

	second, err := s.Synchronize(context.Background(), target, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ExistingRepoMatchingURL, second.State)
	assert.False(t, second.Cloned)
	assert.True(t, second.Pulled)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Files, second.Files)
}

func TestSynchronizeFastForward(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)

	h2 := origin.Commit("new.txt", "new\n")

	ok, err := s.IsConsistent(ctx, target, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "a remote move should be seen when the interval is zero")

	res, err := s.Synchronize(ctx, target, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, h2, res.Hash)
	assert.Contains(t, res.Files, filepath.Join(dir, "new.txt"))

	ok, err = s.IsConsistent(ctx, target, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSynchronizeWithinInterval(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	target := newTarget(t.TempDir(), origin.Dir, bound.Branch(origin.Dir, "master"))
	target.CheckInterval = 10000000 * time.Millisecond
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)

	origin.Commit("new.txt", "new\n")

	ok, err := s.IsConsistent(ctx, target, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "within the interval the remote shouldn't be checked")

	ok, err = s.IsConsistent(ctx, target, now.Add(target.CheckInterval+time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "once the interval elapsed the remote move should be seen")
}

func TestSynchronizeInvalidLocalState(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("mine"), 0600))

	_, err := newSynchronizer().Synchronize(context.Background(),
		newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master")), now)
	assert.True(t, errors.Is(err, syncerr.InvalidLocalState), "got %v", err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "nothing should be added to foreign data")
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestSynchronizeMismatchedURL(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	other := gittest.NewOrigin(t)
	dir := t.TempDir()
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master")), now)
	require.NoError(t, err)

	_, err = s.Synchronize(ctx, newTarget(dir, other.Dir, bound.Branch(other.Dir, "master")), now)
	assert.True(t, errors.Is(err, syncerr.RemoteURLMismatch), "got %v", err)
}

func TestSynchronizeUnreachable(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	head := origin.Head()
	dir := t.TempDir()
	s := newSynchronizer()

	missing := filepath.Join(t.TempDir(), "nowhere")
	_, err := s.Synchronize(ctx, newTarget(dir, missing, bound.Branch(missing, "master")), now)
	assert.True(t, errors.Is(err, syncerr.RemoteUnreachable), "cloning needs the remote, got %v", err)

	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))
	_, err = s.Synchronize(ctx, target, now)
	require.NoError(t, err)

	// the remote goes away: the stale checkout is still usable
	require.NoError(t, os.Rename(origin.Dir, origin.Dir+".moved"))

	res, err := s.Synchronize(ctx, target, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Pulled)
	assert.Equal(t, head, res.Hash)

	ok, err := s.IsConsistent(ctx, target, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "an unreachable remote shouldn't block builds")
}

func TestSynchronizeTagAndExtraBranches(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	tagged := origin.Tag("v1.0")
	origin.Checkout("feature", true)
	feature := origin.Commit("feature.txt", "feat\n")
	origin.Checkout("master", false)
	origin.Commit("README", "moved on\n")

	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Tag(origin.Dir, "v1.0"))
	target.Clone.ExtraBranches = []string{"feature", "master", "feature"}

	res, err := newSynchronizer().Synchronize(context.Background(), target, now)
	require.NoError(t, err)
	assert.Equal(t, tagged, res.Hash)
	assert.Equal(t, "v1.0", res.Ref)
	assert.Equal(t, feature, gittest.RevParse(t, dir, "refs/heads/feature"))
}

func TestSynchronizeTracksBoundBranch(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	origin.Checkout("feature", true)
	feature := origin.Commit("feature.txt", "feat\n")
	origin.Checkout("master", false)

	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "feature"))

	res, err := newSynchronizer().Synchronize(context.Background(), target, now)
	require.NoError(t, err)
	assert.Equal(t, feature, res.Hash)
	assert.Equal(t, feature, gittest.RevParse(t, dir, "refs/heads/feature"),
		"the followed branch should get a local branch on clone")
	assert.Equal(t, "origin/feature", gittest.Run(t, dir, "rev-parse", "--abbrev-ref", "feature@{upstream}"))
}

func TestSynchronizeSeparateGitDir(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	root := t.TempDir()
	wt, gitDir := filepath.Join(root, "wt"), filepath.Join(root, "wt.git")
	gittest.Run(t, root, "clone", "-q", "--separate-git-dir", gitDir, origin.Dir, wt)

	target := newTarget(wt, origin.Dir, bound.Branch(origin.Dir, "master"))
	s := newSynchronizer()

	head := origin.Commit("new.txt", "new\n")
	res, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)
	assert.Equal(t, ExistingRepoMatchingURL, res.State)
	assert.Equal(t, head, res.Hash)

	_, err = os.Stat(filepath.Join(gitDir, DefaultStampName))
	assert.NoError(t, err, "the stamp should live in the real git directory")

	ok, err := s.IsConsistent(ctx, target, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckKeepsStaleness(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	target := newTarget(t.TempDir(), origin.Dir, bound.Branch(origin.Dir, "master"))
	target.CheckInterval = time.Hour
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)

	origin.Commit("new.txt", "new\n")
	later := now.Add(2 * time.Hour)

	for i := 0; i < 2; i++ {
		ok, err := s.Check(ctx, target, later.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "check #%d should still see the remote move", i+1)
	}

	ok, err := s.IsConsistent(ctx, target, later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a build cycle should still see the remote move")
}

func TestSynchronizeCommit(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	first := origin.Head()
	origin.Commit("README", "second\n")

	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Commit(first))
	s := newSynchronizer()

	res, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)
	assert.Equal(t, first, res.Hash)

	res, err = s.Synchronize(ctx, target, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first, res.Hash, "a commit bound never moves")
}

func TestSynchronizeRefNotFound(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)

	_, err := newSynchronizer().Synchronize(context.Background(),
		newTarget(t.TempDir(), origin.Dir, bound.Branch(origin.Dir, "nope")), now)
	assert.True(t, errors.Is(err, syncerr.RefNotFound), "got %v", err)
}

func TestSynchronizeCheckoutConflict(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	dir := t.TempDir()
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master")), now)
	require.NoError(t, err)

	origin.Checkout("other", true)
	other := origin.Commit("README", "other\n")
	origin.Checkout("master", false)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("local edit\n"), 0600))

	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "other"))
	_, err = s.Synchronize(ctx, target, now)
	assert.True(t, errors.Is(err, syncerr.CheckoutConflict), "got %v", err)

	data, err := os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "local edit\n", string(data), "local changes must not be discarded")

	target.AllowLocalChanges = true
	res, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)
	assert.Equal(t, other, res.Hash)
}

func TestSynchronizeMergeFailed(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))
	s := newSynchronizer()

	_, err := s.Synchronize(ctx, target, now)
	require.NoError(t, err)

	// histories diverge: fast-forward only can't follow
	origin.Commit("README", "upstream\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.txt"), []byte("local\n"), 0600))
	gittest.Run(t, dir, "add", "local.txt")
	gittest.Run(t, dir, "commit", "-q", "-m", "local")

	_, err = s.Synchronize(ctx, target, now)
	assert.True(t, errors.Is(err, syncerr.MergeFailed), "got %v", err)

	// conflicting histories with a real merge leave unmerged paths
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("downstream\n"), 0600))
	gittest.Run(t, dir, "commit", "-q", "-a", "-m", "conflict")

	target.Merge = git.MergeOptions{FastForward: git.FF, Strategy: git.Recursive, Commit: true}
	_, err = s.Synchronize(ctx, target, now)
	assert.True(t, errors.Is(err, syncerr.MergeFailed), "got %v", err)
}

func TestSynchronizeLocked(t *testing.T) {
	gittest.SkipWithoutGit(t)
	origin := gittest.NewOrigin(t)
	dir := t.TempDir()
	target := newTarget(dir, origin.Dir, bound.Branch(origin.Dir, "master"))
	target.LockPath = filepath.Join(t.TempDir(), "locks", "checkout.lock")

	res, err := newSynchronizer().SynchronizeLocked(context.Background(), target, now)
	require.NoError(t, err)
	assert.Equal(t, origin.Head(), res.Hash)
}

func TestClassify(t *testing.T) {
	gittest.SkipWithoutGit(t)
	ctx := context.Background()
	origin := gittest.NewOrigin(t)
	root := t.TempDir()

	clone := filepath.Join(root, "clone")
	_, err := newSynchronizer().Synchronize(ctx, newTarget(clone, origin.Dir, bound.Branch(origin.Dir, "master")), now)
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0700))
	require.NoError(t, os.Mkdir(filepath.Join(root, "data"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "x"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), nil, 0600))

	tests := []struct {
		dir  string
		url  string
		want DirectoryState
	}{
		{"absent", origin.Dir, Absent},
		{"empty", origin.Dir, EmptyDirectory},
		{"data", origin.Dir, ExistingNonRepoData},
		{"file", origin.Dir, ExistingNonRepoData},
		{"clone", origin.Dir, ExistingRepoMatchingURL},
		{"clone", origin.Dir + "/", ExistingRepoMatchingURL},
		{"clone", "https://example.com/other.git", ExistingRepoMismatchedURL},
	}

	for _, tt := range tests {
		got, err := Classify(filepath.Join(root, tt.dir), tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s with %s", tt.dir, tt.url)
	}
}

func TestTarget(t *testing.T) {
	target := &Target{Directory: "/src/repo", URL: "https://example.com/r.git", Bound: bound.Commit("abc")}
	require.NoError(t, target.Validate())
	assert.Equal(t, "/src/repo/.git/gitbound.stamp", target.Record().Path)

	for _, b := range []bound.Bound{bound.Branch("u", "-x"), bound.Tag("u", "--force")} {
		assert.Error(t, (&Target{Directory: "d", URL: "u", Bound: b}).Validate())
	}
	assert.Error(t, (&Target{Directory: "d", URL: "u", Bound: bound.Commit("abc"),
		Clone: CloneOptions{ExtraBranches: []string{"--upload-pack=x"}}}).Validate())

	target.StampPath = "/var/lib/gitbound/repo.stamp"
	assert.Equal(t, "/var/lib/gitbound/repo.stamp", target.Record().Path)

	target.Clone.ExtraBranches = []string{"dev", "master", "", "dev", "rel"}
	assert.Equal(t, []string{"dev", "rel"}, target.extraBranches("master"))

	for _, bad := range []*Target{
		{URL: "u", Bound: bound.Commit("abc")},
		{Directory: "d", Bound: bound.Commit("abc")},
		{Directory: "d", URL: "u"},
		{Directory: "d", URL: "u", Bound: bound.Commit("abc"), CheckInterval: -1},
	} {
		assert.Error(t, bad.Validate())
	}
}
