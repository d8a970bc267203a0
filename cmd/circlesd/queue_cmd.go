package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/spf13/cobra"
)

// withNode loads configuration, wires a node without worker pool and
// hands it to fn.
func withNode(ctx context.Context, fn func(ctx context.Context, n *node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := buildNode(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = n.Close(context.Background()) }()
	return fn(ctx, n)
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "retry asap|hourly|daily",
		Short:     "Re-attempt failed deliveries of one retry tier",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(event.TierASAP), string(event.TierHourly), string(event.TierDaily)},
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := event.Tier(args[0])
			if _, _, err := tier.Range(); err != nil {
				return err
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				if err := n.queue.Retry(ctx, tier); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "retry %s: done\n", tier)
				return nil
			})
		},
	}
}

func newConfirmCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "confirm <token>",
		Short: "Resolve the broadcast identified by token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				return n.queue.ConfirmToken(ctx, args[0], refresh)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-arm failed and stale wrappers before resolving")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove resolved and permanently failed wrappers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				removed, err := n.queue.Cleanup(ctx, olderThan)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d wrappers\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of removed wrappers")
	return cmd
}

func newRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <singleId>...",
		Short: "Recompute the membership closure of subjects and of everything they contain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				for _, subject := range args {
					changed, err := n.memberships.Manage(ctx, subject)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d changes\n", subject, changed)
				}
				return nil
			})
		},
	}
}
