package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/tracker/internal/auth"
	"example.com/tracker/internal/config"
)

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the trackerd API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			device, _ := cmd.Flags().GetString("device")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg := a.settings()
			if cfg.JWTSecret == "" {
				return errors.New("jwt secret is required (--jwt-secret or TRACKER_JWT_SECRET)")
			}
			if device == "" {
				var err error
				if device, err = config.ResolveDeviceID(cfg); err != nil {
					return err
				}
			}

			token, err := auth.Issue(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, subject, device, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "tracker-cli", "token subject")
	cmd.Flags().String("device", "", "device id claim (default: this device)")
	cmd.Flags().StringSlice("scope", auth.AllScopes, "granted scopes")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
