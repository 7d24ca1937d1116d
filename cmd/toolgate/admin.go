// ABOUTME: Administrative commands operating directly on the store
// ABOUTME: token issue, delegated credentials, quota policies and usage reports

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/quota"
	"github.com/2389/toolgate/internal/store"
)

const maxColWidth = 60

func newTable(headers ...any) *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = maxColWidth
	t.AddRow(headers...)
	return t
}

func formatLimit(n int) string {
	if n == quota.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

// withCore runs fn over a freshly opened Core and closes it afterwards.
func withCore(cmd *cobra.Command, opts *rootOptions, fn func(core *gateway.Core, out io.Writer) error) error {
	_, core, err := opts.openCore(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core, cmd.OutOrStdout())
}

// ---------------------------------------------------------------------------
// token

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue session tokens",
	}

	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <account-id>",
		Short: "Issue a signed session token for an enabled account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				account, err := core.Store.GetAccount(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("loading account %s: %w", args[0], err)
				}
				if !account.Enabled {
					return fmt.Errorf("account %s is disabled", account.ID)
				}
				token, err := core.Verifier.Generate(account.ID, ttl)
				if err != nil {
					return fmt.Errorf("generating token: %w", err)
				}
				fmt.Fprintln(out, token)
				return nil
			})
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

// ---------------------------------------------------------------------------
// credential

func newCredentialCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage delegated credentials for external systems",
	}

	var createdBy string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a delegated credential; the token is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, core, err := opts.openCore(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer core.Close()

			token, cred, err := auth.IssueDelegatedCredential(cmd.Context(), core.Store, args[0], createdBy, cfg.Auth.DelegatedPrefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "✓ Created credential %s (%s)\n", cred.ID, cred.Name)
			color.New(color.FgYellow).Fprintln(out, "Store this token now; it cannot be shown again:")
			fmt.Fprintln(out, token)
			return nil
		},
	}
	create.Flags().StringVar(&createdBy, "created-by", "cli", "Recorded creator of the credential")

	list := &cobra.Command{
		Use:   "list",
		Short: "List delegated credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				creds, err := core.Store.ListCredentials(cmd.Context())
				if err != nil {
					return err
				}
				t := newTable("ID", "NAME", "USABLE", "CREATED BY", "CREATED")
				for _, c := range creds {
					t.AddRow(c.ID, c.Name, c.CanUse, c.CreatedBy, c.CreatedAt.Format(time.DateTime))
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}

	setUsable := func(use, short string, usable bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
					if err := core.Store.SetCredentialUsable(cmd.Context(), args[0], usable); err != nil {
						return fmt.Errorf("updating credential %s: %w", args[0], err)
					}
					fmt.Fprintf(out, "credential %s usable=%t\n", args[0], usable)
					return nil
				})
			},
		}
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke (soft delete) a delegated credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				if err := core.Store.RevokeCredential(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("revoking credential %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "credential %s revoked\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(
		create,
		list,
		revoke,
		setUsable("disable", "Temporarily disable a delegated credential", false),
		setUsable("enable", "Re-enable a disabled delegated credential", true),
	)
	return cmd
}

// ---------------------------------------------------------------------------
// quota

func newQuotaCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage daily quota policies and inspect usage against them",
		Long: "Policies are matched TOKEN (delegated credential ID), then USER (account ID), " +
			"then ROLE. A principal with no matching policy may make no calls.",
	}

	var description string
	set := &cobra.Command{
		Use:     "set <TOKEN|USER|ROLE> <key> <limit>",
		Short:   "Create or replace a policy; limit -1 means unlimited",
		Example: "  toolgate quota set ROLE ROLE_USER 50\n  toolgate quota set USER alice -1",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := store.ParseQuotaScope(args[0])
			if err != nil {
				return err
			}
			limit, err := strconv.Atoi(args[2])
			if err != nil || limit < quota.Unlimited {
				return fmt.Errorf("limit must be -1 or a non-negative integer, got %q", args[2])
			}
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				p := &store.QuotaPolicy{Scope: scope, ScopeKey: args[1], MaxCount: limit, Description: description}
				if err := core.Store.UpsertQuotaPolicy(cmd.Context(), p); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s = %s\n", scope, args[1], formatLimit(limit))
				return nil
			})
		},
	}
	set.Flags().StringVarP(&description, "description", "d", "", "Free-text note stored with the policy")

	list := &cobra.Command{
		Use:   "list",
		Short: "List quota policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				policies, err := core.Store.ListQuotaPolicies(cmd.Context())
				if err != nil {
					return err
				}
				t := newTable("ID", "SCOPE", "KEY", "LIMIT", "DESCRIPTION")
				for _, p := range policies {
					t.AddRow(p.ID, p.Scope, p.ScopeKey, formatLimit(p.MaxCount), p.Description)
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a quota policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				if err := core.Store.DeleteQuotaPolicy(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("deleting policy %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "policy %s deleted\n", args[0])
				return nil
			})
		},
	}

	var credential bool
	status := &cobra.Command{
		Use:   "status <account-id|credential-id>",
		Short: "Show today's used, limit and remaining for one principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, core, err := opts.openCore(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer core.Close()

			var p *auth.Principal
			if credential {
				p = &auth.Principal{CredentialRef: args[0], Role: cfg.Auth.External.Role, DisplayName: cfg.Auth.External.DisplayName}
			} else {
				account, err := core.Store.GetAccount(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("loading account %s: %w", args[0], err)
				}
				p = &auth.Principal{AccountID: account.ID, Role: account.Role, DisplayName: account.DisplayName}
			}
			st, err := core.Quota.Status(cmd.Context(), p)
			if err != nil {
				return err
			}
			t := newTable("PRINCIPAL", "USED", "LIMIT", "REMAINING")
			t.AddRow(p.Key(), st.Used, formatLimit(st.Limit), formatLimit(st.Remaining))
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
	status.Flags().BoolVar(&credential, "credential", false, "Treat the argument as a delegated credential ID")

	report := &cobra.Command{
		Use:   "report",
		Short: "Show today's quota position for every enabled account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				rows, err := core.Quota.Report(cmd.Context(), core.Store)
				if err != nil {
					return err
				}
				t := newTable("ACCOUNT", "NAME", "ROLE", "USED", "LIMIT", "REMAINING")
				for _, r := range rows {
					t.AddRow(r.AccountID, r.DisplayName, r.Role, r.Used, formatLimit(r.Limit), formatLimit(r.Remaining))
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}

	cmd.AddCommand(set, list, del, status, report)
	return cmd
}

// ---------------------------------------------------------------------------
// usage

func newUsageCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the audit log of tool invocations",
	}

	var filter store.UsageFilter
	var outcome string
	var since time.Duration
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent invocation records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outcome != "" {
				filter.Outcome = store.Outcome(outcome)
				if !filter.Outcome.Valid() {
					return errors.New("--outcome must be success, failure or rejected")
				}
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				records, err := core.Store.ListUsage(cmd.Context(), filter)
				if err != nil {
					return err
				}
				t := newTable("TIME", "PRINCIPAL", "TOOL", "OUTCOME", "ARGUMENTS")
				for _, r := range records {
					t.AddRow(r.CreatedAt.Format(time.DateTime), r.PrincipalKey, r.ToolName, colorOutcome(r.Outcome), r.Arguments)
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}
	history.Flags().StringVar(&filter.PrincipalKey, "principal", "", "Filter by principal key (account:<id> or token:<id>)")
	history.Flags().StringVar(&filter.ToolName, "tool", "", "Filter by tool name")
	history.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (success, failure, rejected)")
	history.Flags().DurationVar(&since, "since", 0, "Only records newer than this (e.g. 24h)")
	history.Flags().IntVar(&filter.Limit, "limit", 50, "Page size")
	history.Flags().IntVar(&filter.Offset, "offset", 0, "Records to skip")

	var today bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show per-tool and per-principal invocation counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				var from, until time.Time
				if today {
					from, until = core.Quota.Today()
				}
				tools, err := core.Store.ToolUsageStats(cmd.Context(), from, until)
				if err != nil {
					return err
				}
				t := newTable("TOOL", "TOTAL", "SUCCESS", "FAILURE", "REJECTED")
				for _, s := range tools {
					t.AddRow(s.ToolName, s.Total, s.Success, s.Failure, s.Rejected)
				}
				fmt.Fprintln(out, t)
				fmt.Fprintln(out)

				principals, err := core.Store.PrincipalUsageStats(cmd.Context(), from, until)
				if err != nil {
					return err
				}
				t = newTable("PRINCIPAL", "ROLE", "COUNTED CALLS")
				for _, s := range principals {
					t.AddRow(s.PrincipalKey, s.Role, s.Count)
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}
	stats.Flags().BoolVar(&today, "today", false, "Restrict to the current quota day")

	cmd.AddCommand(history, stats)
	return cmd
}

func colorOutcome(o store.Outcome) string {
	switch o {
	case store.OutcomeSuccess:
		return color.GreenString(string(o))
	case store.OutcomeRejected:
		return color.YellowString(string(o))
	default:
		return color.RedString(string(o))
	}
}
