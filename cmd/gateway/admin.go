package main

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/repo"
)

// Phone numbers are stored as digits only, country code first (62812...).
var phonePattern = regexp.MustCompile(`^\d{10,16}$`)

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			database, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			closeDatabase(database, logger)
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newSetPinCmd(cfgFile *string) *cobra.Command {
	var phone, pin string

	cmd := &cobra.Command{
		Use:   "set-pin",
		Short: "Set the chat unlock PIN of a user, creating the user if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !phonePattern.MatchString(phone) {
				return fmt.Errorf("--phone must be 10-16 digits, country code first (got %q)", phone)
			}
			if pin == "" {
				return fmt.Errorf("--pin is required")
			}

			cfg, logger, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			database, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(database, logger)

			users := repo.NewUserRepo(database)
			user, err := users.GetOrCreateByPhone(cmd.Context(), phone)
			if err != nil {
				return err
			}
			hash, err := auth.Argon2Pins{}.Hash(pin)
			if err != nil {
				return err
			}
			if err := users.SetPinHash(cmd.Context(), user.ID, hash); err != nil {
				return err
			}

			level.Info(logger).Log("msg", "pin set", "user_id", user.ID, "phone", logging.MaskPhone(phone))
			fmt.Fprintf(cmd.OutOrStdout(), "PIN set for user %d\n", user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number, digits only (e.g. 628123456789)")
	cmd.Flags().StringVar(&pin, "pin", "", "new PIN")
	return cmd
}

func newAdminTokenCmd(cfgFile *string) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a JWT for the dashboard push channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set")
			}
			token, err := auth.NewJWTService(cfg.AdminJWTSecret).SignAdminToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
