package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bpineau/gitbound/pkg/bound"
	"github.com/bpineau/gitbound/pkg/log"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

var (
	// FakePollInterval is the interval between consistency rounds during unit tests
	FakePollInterval = time.Duration(time.Second)
)

// FakeConfig returns a configuration struct synchronizing the given urls into
// subdirectories of root, for unit tests
func FakeConfig(root string, urls ...string) *GbConfig {
	logger, _ := log.New("", "", "test")

	c := &GbConfig{
		DryRun:       true,
		Logger:       logger,
		Concurrency:  2,
		PollInterval: FakePollInterval,
	}

	for i, url := range urls {
		c.Targets = append(c.Targets, &synchronizer.Target{
			Directory: filepath.Join(root, fmt.Sprintf("target%d", i)),
			URL:       url,
			Bound:     bound.Branch(url, bound.DefaultBranch),
		})
	}

	return c
}
