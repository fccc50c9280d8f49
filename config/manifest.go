package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/store/git"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

var appFs = afero.NewOsFs()

// TargetConfig describes one target, as found in manifests or flags
type TargetConfig struct {
	Directory         string   `json:"directory"`
	URL               string   `json:"url"`
	Branch            string   `json:"branch,omitempty"`
	Tag               string   `json:"tag,omitempty"`
	Commit            string   `json:"commit,omitempty"`
	CheckInterval     string   `json:"checkInterval,omitempty"`
	ExtraBranches     []string `json:"extraBranches,omitempty"`
	Submodules        bool     `json:"submodules,omitempty"`
	FastForward       string   `json:"fastForward,omitempty"`
	MergeStrategy     string   `json:"mergeStrategy,omitempty"`
	MergeCommit       bool     `json:"mergeCommit,omitempty"`
	Squash            bool     `json:"squash,omitempty"`
	AllowLocalChanges bool     `json:"allowLocalChanges,omitempty"`
	StampPath         string   `json:"stampPath,omitempty"`
	LockPath          string   `json:"lockPath,omitempty"`
	Excludes          []string `json:"excludes,omitempty"`
	SSHKeyFile        string   `json:"sshKeyFile,omitempty"`
	HTTPSTokenFile    string   `json:"httpsTokenFile,omitempty"`
}

// Manifest lists several targets. Defaults apply to every target leaving
// the corresponding field empty; boolean defaults can only switch options on.
type Manifest struct {
	Defaults TargetConfig   `json:"defaults,omitempty"`
	Targets  []TargetConfig `json:"targets"`
}

// LoadManifest reads a manifest file and returns its targets
func LoadManifest(path string) ([]*synchronizer.Target, error) {
	data, err := afero.ReadFile(appFs, os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err = yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if len(m.Targets) == 0 {
		return nil, fmt.Errorf("manifest %s lists no target", path)
	}

	targets := make([]*synchronizer.Target, 0, len(m.Targets))
	for i := range m.Targets {
		tc := &m.Targets[i]
		tc.applyDefaults(&m.Defaults)

		t, err := tc.Target()
		if err != nil {
			return nil, fmt.Errorf("invalid target #%d in %s: %w", i+1, path, err)
		}
		targets = append(targets, t)
	}

	return targets, nil
}

// Target expands environment variables, validates the target description
// and builds a synchronizer target from it.
func (tc *TargetConfig) Target() (*synchronizer.Target, error) {
	tc.expandEnv()

	if err := tc.Validate(); err != nil {
		return nil, err
	}

	b, err := tc.bound()
	if err != nil {
		return nil, err
	}

	var interval time.Duration
	if tc.CheckInterval != "" {
		if interval, err = time.ParseDuration(tc.CheckInterval); err != nil {
			return nil, fmt.Errorf("invalid check interval: %w", err)
		}
	}

	ff, err := git.ParseFastForward(tc.FastForward)
	if err != nil {
		return nil, err
	}

	strategy, err := git.ParseStrategy(tc.MergeStrategy)
	if err != nil {
		return nil, err
	}

	t := &synchronizer.Target{
		Directory:     tc.Directory,
		URL:           tc.URL,
		Bound:         b,
		CheckInterval: interval,
		Clone: synchronizer.CloneOptions{
			ExtraBranches: tc.ExtraBranches,
			Submodules:    tc.Submodules,
		},
		Merge: git.MergeOptions{
			FastForward: ff,
			Strategy:    strategy,
			Commit:      tc.MergeCommit,
			Squash:      tc.Squash,
		},
		AllowLocalChanges: tc.AllowLocalChanges,
		StampPath:         tc.StampPath,
		LockPath:          tc.LockPath,
		Excludes:          tc.Excludes,
		SSHKeyFile:        tc.SSHKeyFile,
		HTTPSTokenFile:    tc.HTTPSTokenFile,
	}

	return t, t.Validate()
}

func (tc *TargetConfig) bound() (bound.Bound, error) {
	switch {
	case tc.Tag != "":
		return bound.Parse("tag", tc.URL, tc.Tag)
	case tc.Commit != "":
		return bound.Parse("commit", tc.URL, tc.Commit)
	default:
		return bound.Parse("branch", tc.URL, tc.Branch)
	}
}

// expandEnv expands environment variables in path and url fields
func (tc *TargetConfig) expandEnv() {
	tc.Directory = os.ExpandEnv(tc.Directory)
	tc.URL = os.ExpandEnv(tc.URL)
	tc.StampPath = os.ExpandEnv(tc.StampPath)
	tc.LockPath = os.ExpandEnv(tc.LockPath)
	tc.SSHKeyFile = os.ExpandEnv(tc.SSHKeyFile)
	tc.HTTPSTokenFile = os.ExpandEnv(tc.HTTPSTokenFile)
}

// applyDefaults fills in empty fields from d
func (tc *TargetConfig) applyDefaults(d *TargetConfig) {
	strs := []struct {
		field *string
		def   string
	}{
		{&tc.URL, d.URL},
		{&tc.CheckInterval, d.CheckInterval},
		{&tc.FastForward, d.FastForward},
		{&tc.MergeStrategy, d.MergeStrategy},
		{&tc.SSHKeyFile, d.SSHKeyFile},
		{&tc.HTTPSTokenFile, d.HTTPSTokenFile},
	}
	for _, s := range strs {
		if *s.field == "" {
			*s.field = s.def
		}
	}

	if tc.Branch == "" && tc.Tag == "" && tc.Commit == "" {
		tc.Branch, tc.Tag, tc.Commit = d.Branch, d.Tag, d.Commit
	}

	if len(tc.ExtraBranches) == 0 {
		tc.ExtraBranches = d.ExtraBranches
	}
	if len(tc.Excludes) == 0 {
		tc.Excludes = d.Excludes
	}

	tc.Submodules = tc.Submodules || d.Submodules
	tc.MergeCommit = tc.MergeCommit || d.MergeCommit
	tc.Squash = tc.Squash || d.Squash
	tc.AllowLocalChanges = tc.AllowLocalChanges || d.AllowLocalChanges
}

// Validate checks the target description for errors
func (tc *TargetConfig) Validate() error {
	if tc.Directory == "" {
		return fmt.Errorf("directory is required")
	}
	if tc.URL == "" {
		return fmt.Errorf("url is required for %s", tc.Directory)
	}

	bounds := 0
	for _, v := range []string{tc.Branch, tc.Tag, tc.Commit} {
		if v != "" {
			bounds++
		}
	}
	if bounds > 1 {
		return fmt.Errorf("only one of branch, tag or commit may be set for %s", tc.Directory)
	}

	if tc.SSHKeyFile != "" && tc.HTTPSTokenFile != "" {
		return fmt.Errorf("only one of sshKeyFile or httpsTokenFile may be set for %s", tc.Directory)
	}

	return nil
}
