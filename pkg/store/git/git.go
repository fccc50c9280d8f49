package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var appFs = afero.NewOsFs()

var (
	// TimeoutCommands defines the max execution time for git commands
	TimeoutCommands = 300 * time.Second

	// GitAuthor is the name recorded on merge commits
	GitAuthor = "gitbound"

	// GitEmail is the email recorded on merge commits
	GitEmail = "gitbound@localhost"
)

// FastForward is the merge fast-forward mode
type FastForward string

const (
	// FF fast-forwards when possible, merges otherwise
	FF FastForward = "FF"

	// FFOnly refuses anything but a fast-forward
	FFOnly FastForward = "FF_ONLY"

	// NoFF always creates a merge commit
	NoFF FastForward = "NO_FF"
)

// Strategy is the merge strategy
type Strategy string

const (
	// Ours keeps our tree and records the merge
	Ours Strategy = "OURS"

	// Theirs resolves conflicting hunks with their side
	Theirs Strategy = "THEIRS"

	// Recursive is git's three-way recursive strategy
	Recursive Strategy = "RECURSIVE"

	// Resolve is git's simple three-way strategy
	Resolve Strategy = "RESOLVE"

	// SimpleTwoWay merges trees without content merges
	SimpleTwoWay Strategy = "SIMPLE_TWO_WAY"
)

// ParseFastForward parses a fast-forward mode name. An empty name means
// FFOnly.
func ParseFastForward(name string) (FastForward, error) {
	switch ff := FastForward(strings.ToUpper(name)); ff {
	case "":
		return FFOnly, nil
	case FF, FFOnly, NoFF:
		return ff, nil
	}
	return "", fmt.Errorf("unknown fast-forward mode %q (must be FF, FF_ONLY or NO_FF)", name)
}

// ParseStrategy parses a merge strategy name. An empty name means Resolve.
func ParseStrategy(name string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(name)); st {
	case "":
		return Resolve, nil
	case Ours, Theirs, Recursive, Resolve, SimpleTwoWay:
		return st, nil
	}
	return "", fmt.Errorf("unknown merge strategy %q (must be OURS, THEIRS, RECURSIVE, RESOLVE or SIMPLE_TWO_WAY)", name)
}

// MergeOptions are passed through to git merge
type MergeOptions struct {
	FastForward FastForward
	Strategy    Strategy
	Commit      bool
	Squash      bool
}

type logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store drives the git command on one local working tree
type Store struct {
	Logger         logger
	LocalDir       string
	URL            string
	Author         string
	Email          string
	SSHKeyFile     string
	HTTPSTokenFile string
	Timeout        time.Duration
}

// New instantiates a git Store for the working tree at dir, tracking url.
func New(log logger, dir, url string) *Store {
	return &Store{
		Logger:   log,
		LocalDir: dir,
		URL:      url,
		Author:   GitAuthor,
		Email:    GitEmail,
		Timeout:  TimeoutCommands,
	}
}

// Git wraps the git command, run from the working tree. It returns the
// command's standard output.
func (s *Store) Git(ctx context.Context, args ...string) (string, error) {
	return s.run(ctx, s.LocalDir, args...)
}

func (s *Store) run(ctx context.Context, dir string, args ...string) (string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...) // #nosec
	cmd.Dir = dir
	if err := s.configureAuth(cmd); err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.Logger.Debugf("running git %s in %s", strings.Join(args, " "), dir)
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s failed with code %w: %s",
			subcommand(args), err, strings.TrimSpace(stderr.String()+stdout.String()))
	}

	return stdout.String(), nil
}

// configureAuth passes the ssh key or https token to git through its
// environment, following the remote url scheme.
func (s *Store) configureAuth(cmd *exec.Cmd) error {
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	switch {
	case s.SSHKeyFile != "" && (strings.HasPrefix(s.URL, "git@") || strings.HasPrefix(s.URL, "ssh://")):
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(s.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)

	case s.HTTPSTokenFile != "" && strings.HasPrefix(s.URL, "https://"):
		token, err := afero.ReadFile(appFs, s.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read https token file: %v", err)
		}
		cmd.Env = append(cmd.Env, "GITBOUND_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITBOUND_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// Clone clones URL into LocalDir. LocalDir may be missing or empty.
func (s *Store) Clone(ctx context.Context, submodules bool) error {
	dir, err := filepath.Abs(s.LocalDir)
	if err != nil {
		return fmt.Errorf("can't find local dir absolute path (broken cwd?): %v", err)
	}

	parent := filepath.Dir(dir)
	if err = appFs.MkdirAll(parent, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %v", parent, err)
	}

	args := []string{"clone", "--quiet"}
	if submodules {
		args = append(args, "--recurse-submodules")
	}
	args = append(args, "--", s.URL, dir)

	s.Logger.Infof("Cloning %s into %s", s.URL, dir)
	if _, err = s.run(ctx, parent, args...); err != nil {
		return fmt.Errorf("failed to clone %s in %s: %v", s.URL, dir, err)
	}

	return nil
}

// CurrentBranch returns the checked out branch name, or "" on a detached HEAD.
func (s *Store) CurrentBranch(ctx context.Context) (string, error) {
	out, err := s.Git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TrackBranch creates and checks out a local branch tracking remote/name.
func (s *Store) TrackBranch(ctx context.Context, remote, name string) error {
	_, err := s.Git(ctx, "checkout", "--quiet", "-b", name, "--track", remote+"/"+name)
	if err != nil {
		return fmt.Errorf("failed to create tracking branch %s: %v", name, err)
	}
	return nil
}

// Checkout checks out ref. Without force, local changes conflicting with
// the checkout make it fail; with force they are overwritten.
func (s *Store) Checkout(ctx context.Context, ref string, force bool) error {
	args := []string{"checkout", "--quiet"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, ref, "--")

	if _, err := s.Git(ctx, args...); err != nil {
		return fmt.Errorf("failed to checkout %s: %v", ref, err)
	}
	return nil
}

// ResetHard moves HEAD and the working tree to rev
func (s *Store) ResetHard(ctx context.Context, rev string) error {
	if _, err := s.Git(ctx, "reset", "--quiet", "--hard", rev); err != nil {
		return fmt.Errorf("failed to reset to %s: %v", rev, err)
	}
	return nil
}

// Fetch fetches branches and tags from remote
func (s *Store) Fetch(ctx context.Context, remote string) error {
	if _, err := s.Git(ctx, "fetch", "--quiet", "--tags", "--force", remote); err != nil {
		return fmt.Errorf("failed to fetch from %s: %v", remote, err)
	}
	return nil
}

// Merge merges ref into the current HEAD with the given options
func (s *Store) Merge(ctx context.Context, ref string, opts MergeOptions) error {
	args := append([]string{"-c", "user.name=" + s.Author, "-c", "user.email=" + s.Email}, MergeArgs(ref, opts)...)
	if _, err := s.Git(ctx, args...); err != nil {
		return fmt.Errorf("failed to merge %s: %v", ref, err)
	}
	return nil
}

// MergeArgs translates merge options into git merge arguments.
func MergeArgs(ref string, opts MergeOptions) []string {
	args := []string{"merge", "--quiet", "--no-edit"}

	switch opts.FastForward {
	case FF:
		args = append(args, "--ff")
	case NoFF:
		args = append(args, "--no-ff")
	default:
		args = append(args, "--ff-only")
	}

	switch opts.Strategy {
	case Ours:
		args = append(args, "--strategy=ours")
	case Theirs:
		args = append(args, "--strategy=recursive", "--strategy-option=theirs")
	case Recursive:
		args = append(args, "--strategy=recursive")
	default:
		// git has no in-core two way merge; resolve is the closest
		args = append(args, "--strategy=resolve")
	}

	if opts.Squash {
		args = append(args, "--squash")
	} else if opts.Commit {
		args = append(args, "--commit")
	} else {
		args = append(args, "--no-commit")
	}

	return append(args, ref)
}

// UnmergedPaths lists paths left in conflict by a merge
func (s *Store) UnmergedPaths(ctx context.Context) ([]string, error) {
	out, err := s.Git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// Status tests the git status of a repository
func (s *Store) Status(ctx context.Context) (changed bool, err error) {
	out, err := s.Git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(out)) != 0, nil
}

// subcommand returns the git subcommand name, skipping "-c key=value" flags.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
