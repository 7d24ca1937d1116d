// ABOUTME: bootstrap command: first-time setup of config, database, accounts and policies
// ABOUTME: Writes a config with a random JWT secret if missing and issues the admin's token

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/quota"
	"github.com/2389/toolgate/internal/store"
)

const maxDisplayNameLength = 100

type bootstrapOptions struct {
	name      string
	accountID string
	userLimit int
	ttl       time.Duration
}

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	bo := &bootstrapOptions{}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create config, database, admin account and default quota policies",
		Long: heredoc.Doc(`
			Performs first-time setup:

			  1. writes a config file with a random JWT secret (if none exists)
			  2. creates the database schema
			  3. creates the admin account and the external account that
			     delegated credentials act as
			  4. creates ROLE quota policies (admin unlimited, users --user-limit)
			  5. issues a session token for the admin

			Bootstrap refuses to run against a database that already has accounts.
		`),
		Example: `  toolgate bootstrap --name "Ada Lovelace"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd, opts, bo)
		},
	}
	cmd.Flags().StringVarP(&bo.name, "name", "n", "", "Admin display name (required)")
	cmd.Flags().StringVar(&bo.accountID, "id", "admin", "Admin account ID")
	cmd.Flags().IntVar(&bo.userLimit, "user-limit", 100, "Daily call limit for ROLE_USER (-1 for unlimited)")
	cmd.Flags().DurationVar(&bo.ttl, "ttl", 30*24*time.Hour, "Lifetime of the admin's session token")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// dataPath returns $XDG_DATA_HOME/toolgate or ~/.local/share/toolgate.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "toolgate")
}

func configTemplate(dsn, secret string) string {
	return heredoc.Docf(`
		# toolgate configuration
		# Generated by toolgate bootstrap

		server:
		  http_addr: "localhost:8080"
		  grpc_addr: "localhost:50051"

		database:
		  driver: "sqlite"
		  dsn: "%s"

		auth:
		  jwt_secret: "%s"
		  session_ttl: "24h"

		quota:
		  exact: true

		mcp:
		  require_auth: true
		  session_idle_timeout: "30m"

		metrics:
		  enabled: true

		catalog_page:
		  enabled: true

		logging:
		  level: "info"
		  format: "text"
	`, dsn, secret)
}

// writeDefaultConfig creates path with a fresh secret unless it already exists.
func writeDefaultConfig(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking config file: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return false, fmt.Errorf("generating JWT secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}
	dsn := filepath.Join(dataPath(), "toolgate.db")
	content := configTemplate(dsn, base64.StdEncoding.EncodeToString(secret))
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return false, fmt.Errorf("writing config file: %w", err)
	}
	return true, nil
}

func runBootstrap(cmd *cobra.Command, opts *rootOptions, bo *bootstrapOptions) error {
	name := strings.TrimSpace(bo.name)
	if name == "" {
		return errors.New("display name cannot be empty or whitespace only")
	}
	if len(name) > maxDisplayNameLength {
		return fmt.Errorf("display name exceeds maximum length of %d characters", maxDisplayNameLength)
	}
	if bo.userLimit < quota.Unlimited {
		return errors.New("--user-limit must be -1 (unlimited) or a non-negative number")
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	configPath := config.ResolvePath(opts.configPath)
	created, err := writeDefaultConfig(configPath)
	if err != nil {
		return err
	}
	if created {
		green.Fprintf(out, "  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Fprintf(out, "  Using existing config: %s\n", configPath)
	}

	cfg, core, err := opts.openCore(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer core.Close()
	green.Fprintf(out, "  ✓ Database: %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)

	token, err := seedAccounts(cmd, cfg, core, bo, name)
	if err != nil {
		return err
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Fprintf(out, "  ✓ Saved token: %s\n", tokenPath)

	fmt.Fprintln(out)
	green.Fprintln(out, "  Bootstrap complete!")
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Admin Account")
	cyan.Fprintln(out, "  -------------")
	fmt.Fprintf(out, "  ID:           %s\n", bo.accountID)
	fmt.Fprintf(out, "  Display Name: %s\n", name)
	fmt.Fprintf(out, "  Role:         %s\n", auth.RoleAdmin)
	fmt.Fprintf(out, "  Token:        %s (expires %s)\n", tokenPath, time.Now().Add(bo.ttl).Format("Jan 02, 2006"))
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    toolgate serve                       # start the gateway")
	fmt.Fprintln(out, "    toolgate tool apply -f tools.yaml    # load catalog tools")
	fmt.Fprintln(out)
	printCredentialHint(out, cfg)
	return nil
}

func seedAccounts(cmd *cobra.Command, cfg *config.Config, core *gateway.Core, bo *bootstrapOptions, name string) (string, error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)

	existing, err := core.Store.ListAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("checking accounts: %w", err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("bootstrap already complete: %d account(s) exist", len(existing))
	}

	accounts := []*store.Account{
		{ID: bo.accountID, DisplayName: name, Role: auth.RoleAdmin, Enabled: true},
		{ID: cfg.Auth.External.DisplayName, DisplayName: cfg.Auth.External.DisplayName, Role: cfg.Auth.External.Role, Enabled: true},
	}
	for _, a := range accounts {
		if err := core.Store.UpsertAccount(ctx, a); err != nil {
			return "", fmt.Errorf("creating account %s: %w", a.ID, err)
		}
		green.Fprintf(out, "  ✓ Created account: %s (%s)\n", a.ID, a.Role)
	}

	policies := []*store.QuotaPolicy{
		{Scope: store.ScopeRole, ScopeKey: auth.RoleAdmin, MaxCount: quota.Unlimited, Description: "administrators"},
		{Scope: store.ScopeRole, ScopeKey: auth.RoleUser, MaxCount: bo.userLimit, Description: "default user allowance"},
	}
	for _, p := range policies {
		if _, err := core.Store.GetQuotaPolicy(ctx, p.Scope, p.ScopeKey); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("checking quota policy: %w", err)
		}
		if err := core.Store.UpsertQuotaPolicy(ctx, p); err != nil {
			return "", fmt.Errorf("creating quota policy: %w", err)
		}
		green.Fprintf(out, "  ✓ Quota policy: %s %s = %s\n", p.Scope, p.ScopeKey, formatLimit(p.MaxCount))
	}

	token, err := core.Verifier.Generate(bo.accountID, bo.ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// printCredentialHint reminds operators that stdio agents need a credential.
func printCredentialHint(out io.Writer, cfg *config.Config) {
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "  Delegated credentials act as %q with role %s.\n", cfg.Auth.External.DisplayName, cfg.Auth.External.Role)
	gray.Fprintln(out, "  Issue one with: toolgate credential create <name>")
	fmt.Fprintln(out)
}
