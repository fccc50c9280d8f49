package cmd

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bpineau/gitbound/pkg/store/git"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show targets local state, without querying remotes",

	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := newConfig()
		if err != nil {
			return err
		}

		for _, t := range conf.Targets {
			state, err := synchronizer.Classify(t.Directory, t.URL)
			if err != nil {
				return err
			}

			checked := "never checked"
			if last, err := t.Record().LastCheckedAt(); err == nil {
				checked = "checked " + humanize.Time(last)
			}

			if state == synchronizer.ExistingRepoMatchingURL {
				changed, err := git.New(conf.Logger, t.Directory, t.URL).Status(context.Background())
				if err != nil {
					return err
				}
				if changed {
					checked += ", with local changes"
				}
			}

			cmd.Printf("%s: %s, %s (%s)\n", t.Directory, state, checked, t.Bound)
		}

		return nil
	},
}
