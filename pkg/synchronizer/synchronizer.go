// Package synchronizer reconciles a directory with a remote bound: it clones
// absent or empty directories and pins them to the bound's commit, or checks
// out the bound in an existing clone and pulls from the remote. Directories
// holding anything else are left untouched.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/consistency"
	"github.com/bpineau/gitbound/pkg/outputs"
	"github.com/bpineau/gitbound/pkg/remote"
	"github.com/bpineau/gitbound/pkg/store/git"
	"github.com/bpineau/gitbound/pkg/syncerr"
)

// LockRetryDelay is the pause between attempts to take a held lock
var LockRetryDelay = time.Second

// remote name set up by git clone
const remoteNameAfterClone = "origin"

type logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Remote is the remote accessor used for one target
type Remote interface {
	consistency.Remote
	IsReachable(ctx context.Context, url string) bool
}

// Synchronizer materializes targets
type Synchronizer struct {
	logger  logger
	options []remote.Option

	// newRemote builds the accessor of a target
	newRemote func(t *Target) (Remote, error)
}

// New returns a Synchronizer. The options apply to every remote accessor
// it builds, on top of the per-target credentials.
func New(log logger, options ...remote.Option) *Synchronizer {
	s := &Synchronizer{
		logger:  log,
		options: options,
	}
	s.newRemote = s.accessor
	return s
}

func (s *Synchronizer) accessor(t *Target) (Remote, error) {
	readFile := func(path string) ([]byte, error) {
		return afero.ReadFile(appFs, path)
	}

	auth, err := remote.AuthFromFiles(t.URL, t.SSHKeyFile, t.HTTPSTokenFile, readFile)
	if err != nil {
		return nil, err
	}

	options := s.options
	if auth != nil {
		options = append(options[:len(options):len(options)], remote.Auth(auth))
	}

	return remote.New(options...), nil
}

func (s *Synchronizer) store(t *Target) *git.Store {
	st := git.New(s.logger, t.Directory, t.URL)
	st.SSHKeyFile = t.SSHKeyFile
	st.HTTPSTokenFile = t.HTTPSTokenFile
	return st
}

// IsConsistent tells whether the target directory still matches its bound,
// querying the remote at most once per check interval.
func (s *Synchronizer) IsConsistent(ctx context.Context, t *Target, now time.Time) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}

	rem, err := s.newRemote(t)
	if err != nil {
		return false, err
	}

	return consistency.New(s.logger, rem).IsConsistent(ctx, t.Record(), now)
}

// Check tells whether the target directory still matches its bound without
// recording the check, for callers that won't resynchronize it.
func (s *Synchronizer) Check(ctx context.Context, t *Target, now time.Time) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}

	rem, err := s.newRemote(t)
	if err != nil {
		return false, err
	}

	return consistency.New(s.logger, rem).Check(ctx, t.Record(), now)
}

// SynchronizeLocked runs Synchronize while holding the target's lock file,
// when it has one, waiting for other holders to release it.
func (s *Synchronizer) SynchronizeLocked(ctx context.Context, t *Target, now time.Time) (*Result, error) {
	if t.LockPath == "" {
		return s.Synchronize(ctx, t, now)
	}

	if err := appFs.MkdirAll(filepath.Dir(t.LockPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory for %s: %v", t.LockPath, err)
	}

	blocker := func() error {
		s.logger.Debugf("lock %s is held, retrying in %v", t.LockPath, LockRetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(LockRetryDelay):
			return nil
		}
	}

	var res *Result
	err := fslock.WithBlocking(t.LockPath, blocker, func() error {
		var err error
		res, err = s.Synchronize(ctx, t, now)
		return err
	})

	return res, err
}

// Synchronize brings the target directory to its bound, then records the
// check time and lists the resulting files. A failed synchronization leaves
// the directory as the last successful step left it.
func (s *Synchronizer) Synchronize(ctx context.Context, t *Target, now time.Time) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	ref := t.Bound.Ref()
	fail := func(kind syncerr.Kind, err error) (*Result, error) {
		return nil, syncerr.New(kind, t.Directory, t.URL, ref, err)
	}

	rem, err := s.newRemote(t)
	if err != nil {
		return nil, fmt.Errorf("failed to set up access to %s: %v", t.URL, err)
	}

	state, remoteName, err := classify(t.Directory, t.URL)
	if err != nil {
		return fail(syncerr.InvalidLocalState, err)
	}
	s.logger.Debugf("%s is %s", t.Directory, state)

	res := &Result{
		Directory: t.Directory,
		URL:       t.URL,
		Ref:       ref,
		State:     state,
	}

	switch state {
	case ExistingNonRepoData:
		return fail(syncerr.InvalidLocalState, errors.New("directory holds data that isn't a git repository"))

	case ExistingRepoMismatchedURL:
		return fail(syncerr.RemoteURLMismatch, errors.New("no remote of the existing repository uses this url"))

	case Absent, EmptyDirectory:
		if err = s.clone(ctx, t, rem); err != nil {
			return nil, err
		}
		res.Cloned = true

	case ExistingRepoMatchingURL:
		if res.Pulled, err = s.update(ctx, t, rem, remoteName); err != nil {
			return nil, err
		}
	}

	if res.Hash, err = rem.HeadHash(t.Directory); err != nil {
		return fail(syncerr.InvalidRef, err)
	}

	res.Record = t.Record()
	if err = consistency.New(s.logger, rem).Register(res.Record, now); err != nil {
		return nil, err
	}

	if res.Files, err = outputs.New(s.logger, t.Excludes...).List(t.Directory); err != nil {
		return nil, err
	}

	s.logger.Infof("%s is at %s (%s)", t.Directory, res.Hash, t.Bound)
	return res, nil
}

// clone materializes an absent or empty directory, pinned to the bound
func (s *Synchronizer) clone(ctx context.Context, t *Target, rem Remote) error {
	ref := t.Bound.Ref()
	fail := func(kind syncerr.Kind, err error) error {
		return syncerr.New(kind, t.Directory, t.URL, ref, err)
	}

	if !rem.IsReachable(ctx, t.URL) {
		return fail(syncerr.RemoteUnreachable, errors.New("can't clone from an unreachable remote"))
	}

	st := s.store(t)
	if err := st.Clone(ctx, t.Clone.Submodules); err != nil {
		return fail(syncerr.CloneFailed, err)
	}

	defaultBranch, err := st.CurrentBranch(ctx)
	if err != nil {
		return fail(syncerr.CloneFailed, err)
	}

	extra := t.extraBranches(defaultBranch)
	for _, branch := range extra {
		if err = st.TrackBranch(ctx, remoteNameAfterClone, branch); err != nil {
			return fail(syncerr.CloneFailed, err)
		}
	}

	// the followed branch gets its tracking branch too. It may only match
	// the remote by substring: resolution below reports missing refs.
	tracked := len(extra) > 0
	if b, ok := t.Bound.(bound.BranchBound); ok && b.Name != defaultBranch && !slices.Contains(extra, b.Name) {
		if err = st.TrackBranch(ctx, remoteNameAfterClone, b.Name); err != nil {
			s.logger.Debugf("can't track %s in %s: %v", b.Name, t.Directory, err)
		} else {
			tracked = true
		}
	}

	if tracked {
		if err = st.Checkout(ctx, defaultBranch, false); err != nil {
			return fail(syncerr.CloneFailed, err)
		}
	}

	hash, err := rem.Resolve(ctx, t.Bound)
	if err != nil {
		kind := syncerr.KindOf(err)
		if kind == 0 {
			kind = syncerr.InvalidRef
		}
		return fail(kind, err)
	}

	if err = st.ResetHard(ctx, hash); err != nil {
		return fail(syncerr.InvalidRef, err)
	}

	return nil
}

// update checks out the bound in an existing clone then pulls, unless the
// remote is unreachable. It tells whether a pull happened.
func (s *Synchronizer) update(ctx context.Context, t *Target, rem Remote, remoteName string) (bool, error) {
	ref := t.Bound.Ref()
	fail := func(kind syncerr.Kind, err error) (bool, error) {
		return false, syncerr.New(kind, t.Directory, t.URL, ref, err)
	}

	st := s.store(t)
	reachable := rem.IsReachable(ctx, t.URL)
	fetched := false

	if err := st.Checkout(ctx, ref, t.AllowLocalChanges); err != nil {
		if !reachable {
			return fail(syncerr.CheckoutConflict, err)
		}

		// the ref may only exist upstream yet
		s.logger.Debugf("checkout of %s failed, fetching before retrying: %v", ref, err)
		if ferr := st.Fetch(ctx, remoteName); ferr != nil {
			return fail(syncerr.MergeFailed, ferr)
		}
		fetched = true

		if err = st.Checkout(ctx, ref, t.AllowLocalChanges); err != nil {
			return fail(syncerr.CheckoutConflict, err)
		}
	}

	if !reachable {
		s.logger.Warnf("%s is unreachable, using %s as is", t.URL, t.Directory)
		return false, nil
	}

	if !fetched {
		if err := st.Fetch(ctx, remoteName); err != nil {
			return fail(syncerr.MergeFailed, err)
		}
	}

	if err := st.Merge(ctx, t.Bound.MergeRef(remoteName), t.Merge); err != nil {
		return fail(syncerr.MergeFailed, err)
	}

	unmerged, err := st.UnmergedPaths(ctx)
	if err != nil {
		return fail(syncerr.MergeFailed, err)
	}
	if len(unmerged) > 0 {
		return fail(syncerr.MergeFailed, fmt.Errorf("unmerged paths: %v", unmerged))
	}

	return true, nil
}
