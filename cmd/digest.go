package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/exchange-feed/internal/notify"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Email digest delivery",
}

var digestSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send every pending digest now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Notify.SMTP.Host == "" {
			return eris.New("notify.smtp.host is required")
		}
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		sender, err := newMailer()
		if err != nil {
			return err
		}
		report, err := notify.NewDigestSweeper(env.Store, sender).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "digests: %d subscribers, %d sent, %d failed, %d announcements\n",
			report.Subscribers, report.Sent, report.Failed, report.Intents)
		if report.Failed > 0 {
			return eris.Errorf("%d digests failed; their intents stay pending", report.Failed)
		}
		return nil
	},
}

func init() {
	digestCmd.AddCommand(digestSendCmd)
	rootCmd.AddCommand(digestCmd)
}
