package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/exchange-feed/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review task maintenance",
}

var reviewSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release review claims older than review.claim_ttl_mins",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		coord := review.New(env.Store, time.Duration(cfg.Review.ClaimTTLMins)*time.Minute)
		n, err := coord.SweepStale(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %d stale claims\n", n)
		return nil
	},
}

func init() {
	reviewCmd.AddCommand(reviewSweepCmd)
	rootCmd.AddCommand(reviewCmd)
}
