package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayhub/internal/auth"
	"github.com/agentworkforce/relayhub/internal/config"
)

// newTokenCmd signs a bearer token with the configured secret, for local
// testing and service accounts.
func newTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		admin      bool
		scopes     []string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			authenticator := auth.New(auth.Options{
				Secret:     cfg.Auth.JWTSecret,
				Audience:   cfg.Auth.Audience,
				AdminScope: cfg.Auth.AdminScope,
			})
			if admin {
				scopes = append(scopes, authenticator.AdminScope())
			}
			token, err := authenticator.Issue(userID, scopes, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default $RELAYHUB_CONFIG)")
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin scope")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Extra scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
