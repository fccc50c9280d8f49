package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/remote"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

// DefaultConcurrency is the number of targets synchronized at once
const DefaultConcurrency = 4

// GbConfig is the configuration struct, passed to services
type GbConfig struct {
	// When DryRun is true, targets are checked but never synchronized
	DryRun bool

	// Logger should be used to send all logs
	Logger *logrus.Logger

	// Targets are the directories to keep synchronized
	Targets []*synchronizer.Target

	// Matching is the ref matching mode used to resolve branches and tags
	Matching bound.MatchMode

	// RemoteTimeout bounds remote ref listings
	RemoteTimeout time.Duration

	// Concurrency is the max number of targets synchronized at once
	Concurrency int

	// HealthPort is the facultative healthcheck port
	HealthPort int

	// PollInterval is the duration between two consistency rounds in watch mode
	PollInterval time.Duration

	// SummaryDir is where build summaries are written in watch mode (if any)
	SummaryDir string
}

// Init validates the configuration and fills in defaults
func (c *GbConfig) Init() error {
	if c.Logger == nil {
		return errors.New("a logger is required")
	}

	if len(c.Targets) == 0 {
		return errors.New("no target to synchronize: give a git url or a manifest")
	}

	seen := make(map[string]bool)
	for _, t := range c.Targets {
		if err := t.Validate(); err != nil {
			return err
		}

		dir, err := filepath.Abs(t.Directory)
		if err != nil {
			return fmt.Errorf("can't find %s absolute path (broken cwd?): %v", t.Directory, err)
		}
		if seen[dir] {
			return fmt.Errorf("directory %s is used by more than one target", dir)
		}
		seen[dir] = true
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.PollInterval < 0 {
		return fmt.Errorf("invalid poll interval %v", c.PollInterval)
	}

	c.Logger.Debugf("Configuration initialized with %d targets", len(c.Targets))
	return nil
}

// RemoteOptions returns the remote accessor options shared by all targets
func (c *GbConfig) RemoteOptions() []remote.Option {
	options := []remote.Option{remote.Matching(c.Matching)}
	if c.RemoteTimeout > 0 {
		options = append(options, remote.Timeout(c.RemoteTimeout))
	}
	return options
}
