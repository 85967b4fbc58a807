package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/pairing"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Inspect and approve pairing requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [channel]",
		Short: "List pending pairing requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ch channel.ChannelType
			if len(args) == 1 {
				ch = channel.ChannelType(strings.ToLower(args[0]))
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, coord *pairing.Coordinator) error {
				items, err := coord.List(ctx, ch)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Println("no pending pairing requests")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHANNEL\tACCOUNT\tSENDER\tCODE\tCREATED")
				for _, r := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Channel, r.AccountID, r.SenderID, r.Code, r.CreatedAt.Local().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch := channel.ChannelType(strings.ToLower(args[0]))
			return withCoordinator(cmd.Context(), func(ctx context.Context, coord *pairing.Coordinator) error {
				req, err := coord.Approve(ctx, ch, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("approved %s sender %s on account %s\n", req.Channel, req.SenderID, req.AccountID)
				return nil
			})
		},
	})
	return cmd
}

func withCoordinator(ctx context.Context, fn func(context.Context, *pairing.Coordinator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Pairing.Backend == "memory" {
		return fmt.Errorf("pairing backend %q is process-local; use the admin API of the running server", cfg.Pairing.Backend)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openPairingStore(ctx, cfg.Pairing)
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	defer store.Close()
	return fn(ctx, newCoordinator(cfg, store))
}
