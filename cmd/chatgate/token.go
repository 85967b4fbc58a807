package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/config"
)

func tokenCmd() *cobra.Command {
	var subject string
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if expiresIn <= 0 {
				expiresIn = config.Duration(cfg.Auth.JWTExpiresIn)
			}
			token, expiresAt, err := auth.GenerateToken(subject, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Printf("expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "operator name recorded in the token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime (default: auth.jwt_expires_in)")
	return cmd
}
