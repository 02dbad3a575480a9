package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/internal/tui/connect"
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <ws-url>",
		Short: "Open an interactive terminal client against a running gateway",
		Example: "  relay connect ws://localhost:8080/ws --token $(relay token -s alice)\n" +
			"  Type a line to broadcast it, or \"@<conn-id> text\" to send to one connection.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return connect.Run(ctx, args[0], token)
		},
	}
	cmd.Flags().StringP("token", "t", "", "connection token (sent as a bearer header)")
	return cmd
}
