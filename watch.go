package main

import (
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var flagNoHydrate bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply realtime mutation events continuously",
		Long: `Join the configured realtime topic and apply inbound mutation events to
the local store until interrupted.

By default an acquisition pass runs first so the event stream lands on fresh
state; --no-hydrate skips it. The watch loop survives transient poll
failures with bounded backoff and honors server rate limits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, flagNoHydrate)
		},
	}

	cmd.Flags().BoolVar(&flagNoHydrate, "no-hydrate", false, "skip the initial acquisition pass")

	return cmd
}

func runWatch(cmd *cobra.Command, noHydrate bool) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !noHydrate || sess.purged {
		report, err := sess.engine.RunAcquisition(ctx)
		if err != nil {
			return err
		}

		if err := printReport(report); err != nil {
			return err
		}
	}

	return sess.engine.Watch(ctx)
}
