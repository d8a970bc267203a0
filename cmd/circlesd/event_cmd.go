package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nextcloud/circles-sub000/pkg/event"
	"github.com/nextcloud/circles-sub000/pkg/operations"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run a loopback event through the dispatcher and the delivery queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				ev := event.New(operations.LoopbackTest, nil)
				outcome, err := n.dispatcher.Submit(ctx, ev)
				if err != nil {
					return err
				}
				if ev.WrapperToken == "" {
					return errors.New("loopback event created no wrapper")
				}
				if err := n.queue.RunToken(ctx, ev.WrapperToken); err != nil {
					return err
				}

				wrappers, err := n.store.WrappersByToken(ctx, ev.WrapperToken)
				if err != nil {
					return err
				}
				nonce, _ := outcome["nonce"].(string)
				out := cmd.OutOrStdout()
				for _, w := range wrappers {
					got, _ := w.Result["nonce"].(string)
					if w.Status != event.StatusOver || got != nonce {
						return errors.Errorf("loopback %s on %s: status %s, nonce %q", w.Token, w.Instance, w.Status, got)
					}
					_, _ = fmt.Fprintf(out, "loopback %s on %s: ok\n", w.Token, w.Instance)
				}
				return nil
			})
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var deferDelivery bool
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a JSON encoded event as this instance; reads stdin without file or with -",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ev, err := event.Unmarshal(raw)
			if err != nil {
				return errors.Wrap(err, "decode event")
			}
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				outcome, err := n.dispatcher.Submit(ctx, ev)
				if err != nil {
					return err
				}
				if ev.WrapperToken != "" && !deferDelivery {
					if err := n.queue.RunToken(ctx, ev.WrapperToken); err != nil {
						return err
					}
				}

				body, err := json.MarshalIndent(map[string]any{
					"outcome": outcome,
					"token":   ev.WrapperToken,
				}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode outcome")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deferDelivery, "defer", false, "leave deliveries to the retry sweep")
	return cmd
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		raw, err := io.ReadAll(stdin)
		return raw, errors.Wrap(err, "read stdin")
	}
	raw, err := os.ReadFile(args[0])
	return raw, errors.Wrapf(err, "read %s", args[0])
}
