// Package consistency decides, cheaply and repeatedly, whether a materialized
// directory still matches its bound. A remote check happens at most once per
// interval; in between, the directory is assumed consistent without any
// network traffic.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/stamp"
	"github.com/bpineau/gitbound/pkg/syncerr"
)

var appFs = afero.NewOsFs()

type logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Remote resolves bounds and reads local HEADs
type Remote interface {
	Resolve(ctx context.Context, b bound.Bound) (string, error)
	HeadHash(dir string) (string, error)
}

// Record ties a directory and its bound to a persisted check timestamp
type Record struct {
	Directory string
	URL       string
	Bound     bound.Bound
	Interval  time.Duration
	Path      string
}

// LastCheckedAt returns the time of the last remote check, or
// stamp.ErrNoStamp when none was recorded.
func (r *Record) LastCheckedAt() (time.Time, error) {
	return stamp.Read(r.Path)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%s (%s)", r.Directory, r.URL, r.Bound)
}

// Tracker runs time-boxed consistency checks
type Tracker struct {
	logger logger
	remote Remote
}

// New returns a Tracker
func New(log logger, remote Remote) *Tracker {
	return &Tracker{
		logger: log,
		remote: remote,
	}
}

// Register creates or refreshes the record of a freshly synchronized
// directory, stamping it with now.
func (t *Tracker) Register(rec *Record, now time.Time) error {
	if err := stamp.Write(rec.Path, now); err != nil {
		return syncerr.New(syncerr.StampFailed, rec.Directory, rec.URL, rec.Bound.Ref(), err)
	}
	return nil
}

// NeedsCheck tells whether a remote check is due at now: when no stamp
// exists, when the interval is zero, or when the interval has elapsed.
func (t *Tracker) NeedsCheck(rec *Record, now time.Time) bool {
	if rec.Interval <= 0 {
		return true
	}

	last, err := rec.LastCheckedAt()
	if err != nil {
		if !errors.Is(err, stamp.ErrNoStamp) {
			t.logger.Warnf("can't read stamp of %s, checking remote: %v", rec, err)
		}
		return true
	}

	return last.Add(rec.Interval).Before(now)
}

// IsConsistent tells whether the directory matches its bound. Within the
// check interval it answers true without touching the remote. An unreachable
// remote counts as consistent, so builds keep working offline. Once a check
// went through, the stamp is moved to now whatever the outcome: callers
// resynchronize the directory in the same cycle when it isn't consistent.
func (t *Tracker) IsConsistent(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	if !t.NeedsCheck(rec, now) {
		t.logger.Debugf("%s checked recently, skipping remote check", rec)
		return true, nil
	}

	consistent, err := t.check(ctx, rec)
	if err != nil {
		return false, err
	}

	if t.wouldPollute(rec) {
		t.logger.Debugf("not stamping %s: it would create directories in %s", rec.Path, rec.Directory)
		return consistent, nil
	}

	if err = t.Register(rec, now); err != nil {
		return false, err
	}

	return consistent, nil
}

// Check answers like IsConsistent but never moves the stamp, so that what
// it finds stays visible to the next build cycle. It serves read-only
// diagnostics and dry-runs, which won't resynchronize a stale directory.
func (t *Tracker) Check(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	if !t.NeedsCheck(rec, now) {
		t.logger.Debugf("%s checked recently, skipping remote check", rec)
		return true, nil
	}

	return t.check(ctx, rec)
}

// wouldPollute tells whether writing the stamp would create directories
// inside the target directory, which isn't a repository yet (or anymore).
func (t *Tracker) wouldPollute(rec *Record) bool {
	rel, err := filepath.Rel(rec.Directory, filepath.Dir(rec.Path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	_, err = appFs.Stat(filepath.Dir(rec.Path))
	return os.IsNotExist(err)
}

func (t *Tracker) check(ctx context.Context, rec *Record) (bool, error) {
	if _, err := appFs.Stat(rec.Directory); err != nil {
		if os.IsNotExist(err) {
			t.logger.Infof("%s doesn't exist", rec.Directory)
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %v", rec.Directory, err)
	}

	head, err := t.remote.HeadHash(rec.Directory)
	if err != nil {
		t.logger.Warnf("can't read HEAD of %s, forcing a resync: %v", rec.Directory, err)
		return false, nil
	}

	want, err := t.remote.Resolve(ctx, rec.Bound)
	if err != nil {
		if errors.Is(err, syncerr.RemoteUnreachable) {
			t.logger.Warnf("%s is unreachable, assuming %s is consistent: %v", rec.URL, rec.Directory, err)
			return true, nil
		}
		return false, syncerr.New(syncerr.KindOf(err), rec.Directory, rec.URL, rec.Bound.Ref(), err)
	}

	if head != want {
		t.logger.Infof("%s is at %s, %s is at %s", rec.Directory, head, rec.Bound, want)
		return false, nil
	}

	return true, nil
}
