package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nattyright/grail-kun/internal/app"
	"github.com/nattyright/grail-kun/internal/config"
)

// tokenCommand mints operator tokens, e.g. the chat relay's admin token.
func tokenCommand() *cobra.Command {
	var (
		session app.Session
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if session.UserID == "" || session.CommunityID == "" {
				return fmt.Errorf("--user and --community are required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := app.New(app.Deps{TokenSecret: cfg.TokenSecret}).IssueToken(session, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&session.UserID, "user", "", "chat user id the token acts as")
	cmd.Flags().StringVar(&session.CommunityID, "community", "", "community the token is scoped to")
	cmd.Flags().BoolVar(&session.Admin, "admin", false, "grant administrator rights")
	cmd.Flags().StringSliceVar(&session.RoleIDs, "role", nil, "role id held by the user (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
