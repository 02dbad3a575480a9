package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Mint a connection token signed with the configured JWT secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load(resolveConfigPath(cmd, args, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != config.AuthJWT {
				return fmt.Errorf("auth.provider is %q, tokens can only be minted for %q", cfg.Auth.Provider, config.AuthJWT)
			}

			token, err := auth.NewService(cfg.Auth).GenerateToken(subject, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringP("subject", "s", "", "subject (client name) the token is issued to")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_expiry)")
	return cmd
}
