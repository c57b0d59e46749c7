package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing"
	"github.com/rcourtman/pulse-entitlements/internal/billing/access"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var tokenTTL time.Duration

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "Pulse entitlement service",
	Long:    `entitlementd keeps per-user plan entitlements in sync with Stripe and gates paid features on them.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the entitlement HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the entitlement schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := billing.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := billing.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Entitlement schema is up to date")
		return nil
	},
}

var accessCmd = &cobra.Command{
	Use:   "access <user-id>",
	Short: "Show a user's stored entitlement and whether it grants elevated access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := billing.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := billing.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		userID := strings.TrimSpace(args[0])
		e, err := store.GetByUserID(cmd.Context(), userID)
		if err != nil {
			return fmt.Errorf("lookup entitlement: %w", err)
		}
		out := cmd.OutOrStdout()
		if e == nil {
			fmt.Fprintf(out, "User %s has no entitlement (free, not elevated)\n", userID)
			return nil
		}
		fmt.Fprintf(out, "User:     %s\n", e.UserID)
		fmt.Fprintf(out, "Plan:     %s\n", e.Plan)
		fmt.Fprintf(out, "Status:   %s\n", e.SubscriptionStatus.Label())
		if e.BillingCustomerID != "" {
			fmt.Fprintf(out, "Customer: %s\n", e.BillingCustomerID)
		}
		if e.CurrentPeriodEnd != nil {
			fmt.Fprintf(out, "Renews:   %s\n", e.CurrentPeriodEnd.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Elevated: %t\n", access.IsElevated(e))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a session token for a user (development and support use)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := billing.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		token, err := identity.NewSessionVerifier(cfg.SessionSecret, cfg.SessionIssuer).Issue(args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <admin-key>",
	Short: "Print a bcrypt hash suitable for ENT_ADMIN_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pulse entitlements %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
