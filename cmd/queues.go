package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/monitoring"
	"github.com/sells-group/exchange-feed/internal/queue"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show stage queue and dead-letter depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := monitoring.NewCollector(env.Queue, env.Store).Collect(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(snap.Queues))
		for _, q := range snap.Queues {
			rows = append(rows, []string{q.Queue, strconv.FormatInt(q.Depth, 10), strconv.FormatInt(q.Dead, 10)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Queue", "Depth", "Dead"}, rows, 1, 2))
		fmt.Fprintf(cmd.OutOrStdout(), "review: %d unclaimed, %d claimed\n", snap.ReviewUnclaimed, snap.ReviewClaimed)
		return nil
	},
}

var (
	deadLimit int
	deadActor string
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and redrive dead-lettered jobs",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "List dead-lettered jobs for a stage queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := liveQueue(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		envs, err := env.Queue.ListDead(cmd.Context(), name, deadLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(envs))
		for _, e := range envs {
			rows = append(rows, []string{
				e.JobID,
				e.OwnerKey,
				fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts),
				e.CreatedAt.Format(time.RFC3339),
				truncate(e.LastError, 60),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Job", "Owner", "Attempts", "Created", "Last error"}, rows, 2))
		return nil
	},
}

var deadletterRedriveCmd = &cobra.Command{
	Use:   "redrive <queue> <job-id>",
	Short: "Move one dead-lettered job back onto its live queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := liveQueue(args[0])
		if err != nil {
			return err
		}
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		fresh, err := env.Queue.Redrive(cmd.Context(), name, args[1])
		if err != nil {
			return err
		}
		if err := env.Store.AppendAudit(cmd.Context(), model.AuditEntry{
			Actor:   deadActor,
			Action:  model.AuditRedrive,
			Subject: args[1],
			Details: map[string]any{"queue": name, "new_job_id": fresh.JobID},
			At:      time.Now().UTC(),
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "redriven %s as %s\n", args[1], fresh.JobID)
		return nil
	},
}

func liveQueue(name string) (string, error) {
	live := queue.LiveName(name)
	if _, err := model.ParseJobType(live); err != nil {
		return "", err
	}
	return live, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	deadletterListCmd.Flags().IntVar(&deadLimit, "limit", 50, "maximum jobs to list")
	deadletterRedriveCmd.Flags().StringVar(&deadActor, "actor", "cli", "operator name recorded in the audit log")
	deadletterCmd.AddCommand(deadletterListCmd, deadletterRedriveCmd)
	rootCmd.AddCommand(queuesCmd, deadletterCmd)
}
