package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		userID   string
		username string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a client token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}

			token, err := auth.GenerateToken(cfg.Auth.JWT(), userID, username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token subject")
	cmd.Flags().StringVar(&username, "name", "", "display name")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
