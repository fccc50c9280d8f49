package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bpineau/gitbound/config"
	"github.com/bpineau/gitbound/pkg/bound"
	gblog "github.com/bpineau/gitbound/pkg/log"
	"github.com/bpineau/gitbound/pkg/recorder"
	"github.com/bpineau/gitbound/pkg/run"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

const appName = "gitbound"

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   appName,
		Short: "Keep directories synchronized with git repositories",
		Long: "Clone, pin or pull directories so they match a git branch, tag or commit, " +
			"and print what was built",

		SilenceUsage:     true,
		SilenceErrors:    true,
		PersistentPreRun: bindConf,

		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := newConfig()
			if err != nil {
				return err
			}

			if watchMode {
				run.Run(conf)
				return nil
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			return syncAll(ctx, conf, cmd.OutOrStdout())
		},
	}
)

// Execute adds all child commands to the root command and sets their flags.
func Execute() error {
	return RootCmd.Execute()
}

func newConfig() (*config.GbConfig, error) {
	logger, err := gblog.New(logLevel, logServer, logOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %v", err)
	}

	targets, err := newTargets()
	if err != nil {
		return nil, err
	}

	conf := &config.GbConfig{
		DryRun:        dryRun,
		Logger:        logger,
		Targets:       targets,
		Matching:      bound.MatchExact,
		RemoteTimeout: remoteTmo,
		Concurrency:   jobs,
		HealthPort:    healthP,
		PollInterval:  pollIntv,
		SummaryDir:    sumDir,
	}
	if substr {
		conf.Matching = bound.MatchSubstring
	}

	if err = conf.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize the configuration: %w", err)
	}

	return conf, nil
}

// newTargets loads the manifest, or builds a single target from flags
func newTargets() ([]*synchronizer.Target, error) {
	if manifest != "" {
		return config.LoadManifest(manifest)
	}

	if gitURL == "" {
		return nil, errors.New("either a manifest or a git url is required")
	}

	tc := &config.TargetConfig{
		Directory:         localDir,
		URL:               gitURL,
		Branch:            branch,
		Tag:               tag,
		Commit:            commit,
		ExtraBranches:     extraBr,
		Submodules:        subm,
		FastForward:       ffMode,
		MergeStrategy:     strategy,
		MergeCommit:       mergeCmt,
		Squash:            squash,
		AllowLocalChanges: allowDiff,
		StampPath:         stampPath,
		LockPath:          lockPath,
		Excludes:          excludes,
		SSHKeyFile:        sshKey,
		HTTPSTokenFile:    tokenFile,
	}
	if checkIntv > 0 {
		tc.CheckInterval = checkIntv.String()
	}

	t, err := tc.Target()
	if err != nil {
		return nil, err
	}

	return []*synchronizer.Target{t}, nil
}

// syncAll synchronizes every target once, and prints their summaries. In
// dry-run mode, targets are only checked.
func syncAll(ctx context.Context, conf *config.GbConfig, out io.Writer) error {
	syncer := synchronizer.New(conf.Logger, conf.RemoteOptions()...)
	now := time.Now()

	results := make([]*synchronizer.Result, len(conf.Targets))
	errs := make([]error, len(conf.Targets))

	var g errgroup.Group
	g.SetLimit(conf.Concurrency)

	for i, t := range conf.Targets {
		i, t := i, t
		g.Go(func() error {
			if !conf.DryRun {
				results[i], errs[i] = syncer.SynchronizeLocked(ctx, t, now)
				return nil
			}

			ok, err := syncer.Check(ctx, t, now)
			switch {
			case err != nil:
				errs[i] = err
			case ok:
				conf.Logger.Infof("dry-run: %s is consistent", t.Directory)
			default:
				conf.Logger.Infof("dry-run: would synchronize %s", t.Directory)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if errs[i] != nil {
			conf.Logger.Errorf("failed to synchronize %s: %v", conf.Targets[i].Directory, errs[i])
			continue
		}
		if res == nil || quiet {
			continue
		}

		summary, err := recorder.NewSummary(res, now).YAML()
		if err != nil {
			return fmt.Errorf("failed to serialize %s summary: %v", res.Directory, err)
		}
		fmt.Fprintf(out, "---\n%s", summary)
	}

	return errors.Join(errs...)
}
