package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bpineau/gitbound/pkg/synchronizer"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Tell whether targets still match their bound",
	Long: "Compare each target HEAD with its bound's commit on the remote, at most " +
		"once per check interval. Fails when a target needs a synchronization.",

	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := newConfig()
		if err != nil {
			return err
		}

		syncer := synchronizer.New(conf.Logger, conf.RemoteOptions()...)
		now := time.Now()

		stale := 0
		for _, t := range conf.Targets {
			ok, err := syncer.Check(context.Background(), t, now)
			if err != nil {
				return err
			}

			state := "consistent"
			if !ok {
				state = "stale"
				stale++
			}
			cmd.Printf("%s: %s\n", t.Directory, state)
		}

		if stale > 0 {
			return fmt.Errorf("%d of %d targets need a synchronization", stale, len(conf.Targets))
		}
		return nil
	},
}
