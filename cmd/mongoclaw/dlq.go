package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/pkg/queue"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered work items",
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqGetCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	dlqCmd.AddCommand(dlqStatsCmd)

	dlqListCmd.Flags().Int64("count", 20, "Maximum entries to show")
	dlqRetryCmd.Flags().String("stream", "", "Target stream (defaults to the item's agent stream)")
	dlqPurgeCmd.Flags().Duration("older-than", 0, "Purge entries older than this (defaults to the retention window)")
}

// openDLQ dials Redis with a bounded timeout for one admin command.
func openDLQ(cmd *cobra.Command) (*queue.RedisQueue, *queue.DLQ, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	q, err := queue.NewRedisQueue(ctx, cfg.Redis)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return q, queue.NewDLQ(q, queue.DLQStream, 0), ctx, cancel, nil
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt64("count")

		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		entries, err := dlq.List(ctx, count)
		if err != nil {
			return fmt.Errorf("failed to list dead letter queue: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("Dead letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MESSAGE ID\tAGENT\tDOCUMENT\tATTEMPTS\tERROR\tADDED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.MessageID, e.AgentID, e.DocumentID, e.Attempts, truncate(e.Error, 48), e.AddedAt)
		}
		return w.Flush()
	},
}

var dlqGetCmd = &cobra.Command{
	Use:   "get MESSAGE_ID",
	Short: "Show one dead-lettered work item in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		item, err := dlq.Get(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(item)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry MESSAGE_ID",
	Short: "Requeue a dead-lettered item with its attempts reset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetString("stream")

		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		newID, err := dlq.Retry(ctx, args[0], stream)
		if err != nil {
			return fmt.Errorf("failed to retry %s: %w", args[0], err)
		}
		fmt.Printf("✓ Requeued as %s\n", newID)
		return nil
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete MESSAGE_ID",
	Short: "Remove one entry from the dead letter queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		if err := dlq.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted %s\n", args[0])
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop entries older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		n, err := dlq.Purge(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("failed to purge dead letter queue: %w", err)
		}
		fmt.Printf("✓ Purged %d entries\n", n)
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the dead letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, dlq, ctx, cancel, err := openDLQ(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer q.Close()

		stats, err := dlq.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Stream:    %s\n", stats.Stream)
		fmt.Printf("Entries:   %d\n", stats.Count)
		fmt.Printf("Retention: %s\n", stats.Retention)
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
