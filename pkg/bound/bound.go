// Package bound describes which remote state a local directory must track:
// the tip of a branch, a tag, or a fixed commit. A Bound resolves to the
// commit hash the working tree should be at.
package bound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/bpineau/gitbound/pkg/syncerr"
)

const peeledSuffix = "^{}"

// DefaultBranch is the branch followed when nothing else is configured
const DefaultBranch = "master"

// MatchMode selects how a branch or tag name is compared with advertised refs
type MatchMode int

const (
	// MatchExact compares the full ref name (refs/heads/<name>, refs/tags/<name>)
	MatchExact MatchMode = iota

	// MatchSubstring selects the first head or tag whose name contains the
	// requested name. "feature" then also matches "feature2".
	MatchSubstring
)

// Lister lists the refs advertised by a remote, in advertised order.
// Peeled tags are expected as separate "<tag>^{}" entries.
type Lister interface {
	List(ctx context.Context, url string) ([]*plumbing.Reference, error)
}

// Bound is the desired remote state. The set of implementations is closed.
type Bound interface {
	// Ref is the literal to checkout (branch name, tag name, or hash)
	Ref() string

	// MergeRef is the ref merged after fetching from remote
	MergeRef(remote string) string

	// Resolve returns the commit hash this bound currently designates
	Resolve(ctx context.Context, lister Lister, mode MatchMode) (string, error)

	String() string

	sealed()
}

// BranchBound follows the tip of a remote branch
type BranchBound struct {
	Remote string
	Name   string
}

// TagBound follows a remote tag
type TagBound struct {
	Remote string
	Name   string
}

// CommitHashBound pins a fixed commit
type CommitHashBound struct {
	Hash string
}

// Branch returns a bound on the given remote branch
func Branch(remote, name string) BranchBound {
	return BranchBound{Remote: remote, Name: name}
}

// Tag returns a bound on the given remote tag
func Tag(remote, name string) TagBound {
	return TagBound{Remote: remote, Name: name}
}

// Commit returns a bound on a fixed commit hash
func Commit(hash string) CommitHashBound {
	return CommitHashBound{Hash: hash}
}

// ValidateName checks a branch or tag name is a valid ref name that git
// commands won't mistake for an option.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty ref name")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid ref name %q: starts with a dash", name)
	}
	if err := plumbing.NewBranchReferenceName(name).Validate(); err != nil {
		return fmt.Errorf("invalid ref name %q: %v", name, err)
	}
	return nil
}

// Parse builds a bound from a kind ("branch", "tag" or "commit") and a value.
// An empty kind means "branch"; an empty branch value means DefaultBranch.
func Parse(kind, remote, value string) (Bound, error) {
	switch strings.ToLower(kind) {
	case "", "branch":
		if value == "" {
			value = DefaultBranch
		}
		if err := ValidateName(value); err != nil {
			return nil, err
		}
		return Branch(remote, value), nil
	case "tag":
		if value == "" {
			return nil, errors.New("a tag bound needs a tag name")
		}
		if err := ValidateName(value); err != nil {
			return nil, err
		}
		return Tag(remote, value), nil
	case "commit", "hash":
		if !plumbing.IsHash(value) {
			return nil, fmt.Errorf("%q is not a full commit hash", value)
		}
		return Commit(value), nil
	default:
		return nil, fmt.Errorf("unknown bound kind %q (must be branch, tag or commit)", kind)
	}
}

func (b BranchBound) Ref() string { return b.Name }

func (b BranchBound) MergeRef(remote string) string {
	return "refs/remotes/" + remote + "/" + b.Name
}

func (b BranchBound) Resolve(ctx context.Context, lister Lister, mode MatchMode) (string, error) {
	return resolveRef(ctx, lister, b.Remote, plumbing.NewBranchReferenceName(b.Name), b.Name, mode)
}

func (b BranchBound) String() string { return "branch " + b.Name }

func (BranchBound) sealed() {}

func (b TagBound) Ref() string { return b.Name }

func (b TagBound) MergeRef(string) string {
	return plumbing.NewTagReferenceName(b.Name).String()
}

func (b TagBound) Resolve(ctx context.Context, lister Lister, mode MatchMode) (string, error) {
	return resolveRef(ctx, lister, b.Remote, plumbing.NewTagReferenceName(b.Name), b.Name, mode)
}

func (b TagBound) String() string { return "tag " + b.Name }

func (TagBound) sealed() {}

func (b CommitHashBound) Ref() string { return b.Hash }

func (b CommitHashBound) MergeRef(string) string { return b.Hash }

// Resolve returns the hash itself, without contacting any remote.
func (b CommitHashBound) Resolve(context.Context, Lister, MatchMode) (string, error) {
	return b.Hash, nil
}

func (b CommitHashBound) String() string { return "commit " + b.Hash }

func (CommitHashBound) sealed() {}

func resolveRef(ctx context.Context, lister Lister, url string, want plumbing.ReferenceName, name string, mode MatchMode) (string, error) {
	refs, err := lister.List(ctx, url)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return "", syncerr.New(syncerr.RefNotFound, "", url, name, err)
	default:
		return "", syncerr.New(syncerr.RemoteUnreachable, "", url, name, err)
	}

	peeled := make(map[string]string)
	for _, ref := range refs {
		n := ref.Name().String()
		if strings.HasSuffix(n, peeledSuffix) {
			peeled[strings.TrimSuffix(n, peeledSuffix)] = ref.Hash().String()
		}
	}

	for _, ref := range refs {
		n := ref.Name()
		if strings.HasSuffix(n.String(), peeledSuffix) {
			continue
		}
		if !matches(n, want, name, mode) {
			continue
		}
		if h, ok := peeled[n.String()]; ok {
			return h, nil
		}
		return ref.Hash().String(), nil
	}

	return "", syncerr.New(syncerr.RefNotFound, "", url, name, nil)
}

func matches(n, want plumbing.ReferenceName, name string, mode MatchMode) bool {
	if mode == MatchSubstring {
		return (n.IsBranch() || n.IsTag()) && strings.Contains(n.String(), name)
	}
	return n == want
}
