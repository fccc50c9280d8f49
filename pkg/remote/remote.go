// Package remote queries git remotes and local repository metadata. It owns
// no policy: it lists advertised refs, checks reachability, reads HEAD and
// registered remote urls, and resolves bounds.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/bpineau/gitbound/pkg/bound"
)

// DefaultTimeout bounds a single remote listing
var DefaultTimeout = 60 * time.Second

// Option configures an Accessor
type Option func(*Accessor)

// Auth sets the authentication method used for remote listings.
func Auth(auth transport.AuthMethod) Option {
	return func(a *Accessor) {
		a.auth = auth
	}
}

// Timeout sets the per-listing timeout.
func Timeout(d time.Duration) Option {
	return func(a *Accessor) {
		a.timeout = d
	}
}

// Matching sets the ref matching mode used to resolve branch and tag bounds.
func Matching(mode bound.MatchMode) Option {
	return func(a *Accessor) {
		a.mode = mode
	}
}

// Accessor is a thin query layer over git remotes
type Accessor struct {
	auth    transport.AuthMethod
	timeout time.Duration
	mode    bound.MatchMode
}

// New returns an Accessor
func New(options ...Option) *Accessor {
	a := &Accessor{timeout: DefaultTimeout}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// List returns the heads and tags advertised by url, with annotated tags
// followed by their peeled "^{}" entries.
func (a *Accessor) List(ctx context.Context, url string) ([]*plumbing.Reference, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})

	refs, err := rem.ListContext(ctx, &git.ListOptions{
		Auth:          a.auth,
		PeelingOption: git.AppendPeeled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list refs of %s: %w", url, err)
	}

	return refs, nil
}

// IsReachable tells whether url answers a ref listing. A reachable but empty
// repository counts as reachable.
func (a *Accessor) IsReachable(ctx context.Context, url string) bool {
	_, err := a.List(ctx, url)
	return err == nil || errors.Is(err, transport.ErrEmptyRemoteRepository)
}

// Resolve resolves b with this accessor's matching mode.
func (a *Accessor) Resolve(ctx context.Context, b bound.Bound) (string, error) {
	return b.Resolve(ctx, a, a.mode)
}

// HeadHash returns the commit hash HEAD points to in the repository at dir.
func (a *Accessor) HeadHash(dir string) (string, error) {
	return HeadHash(dir)
}

// HeadHash returns the commit hash HEAD points to in the repository at dir.
func HeadHash(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD of %s: %w", dir, err)
	}

	return head.Hash().String(), nil
}

// GitDir returns the git directory of the working tree at dir, following
// .git files (separate git dirs, worktrees, submodules). It falls back to
// <dir>/.git when dir can't be opened as a repository.
func GitDir(dir string) string {
	fallback := filepath.Join(dir, ".git")

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fallback
	}

	st, ok := repo.Storer.(*filesystem.Storage)
	if !ok {
		return fallback
	}

	return st.Filesystem().Root()
}

// IsRepo tells whether dir is the root of a git working tree
func IsRepo(dir string) bool {
	_, err := git.PlainOpen(dir)
	return err == nil
}

// RemoteFor returns the name of the remote registered with url in the
// repository at dir, or "" when no remote uses it.
func RemoteFor(dir, url string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	remotes, err := repo.Remotes()
	if err != nil {
		return "", fmt.Errorf("failed to list remotes of %s: %w", dir, err)
	}

	want := normalizeURL(url)
	for _, r := range remotes {
		for _, u := range r.Config().URLs {
			if normalizeURL(u) == want {
				return r.Config().Name, nil
			}
		}
	}

	return "", nil
}

// IsURLSet tells whether the repository at dir registers url as a remote
func IsURLSet(dir, url string) (bool, error) {
	name, err := RemoteFor(dir, url)
	return name != "", err
}

func normalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// AuthFromFiles builds a go-git auth method from an ssh private key file or
// an https token file, following the url scheme. It returns nil when no
// credential applies.
func AuthFromFiles(url, sshKeyFile, tokenFile string, readFile func(string) ([]byte, error)) (transport.AuthMethod, error) {
	switch {
	case sshKeyFile != "" && IsSSH(url):
		auth, err := ssh.NewPublicKeysFromFile("git", sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key %s: %v", sshKeyFile, err)
		}
		return auth, nil
	case tokenFile != "" && IsHTTPS(url):
		token, err := readFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read https token file: %v", err)
		}
		return &http.BasicAuth{
			Username: "x-access-token",
			Password: strings.TrimSpace(string(token)),
		}, nil
	}
	return nil, nil
}

// IsHTTPS tells whether url uses https
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH tells whether url uses ssh
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
