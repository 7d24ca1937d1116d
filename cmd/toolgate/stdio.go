// ABOUTME: stdio command: serve MCP over stdin/stdout for a locally spawned agent
// ABOUTME: The principal is resolved once from --token or TOOLGATE_TOKEN for the whole process

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/mcp"
)

func newStdioCmd(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		Long: "Serve MCP over stdin/stdout. Without a credential every tool call " +
			"fails as unauthenticated; listing still works.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("TOOLGATE_TOKEN")
			}
			return runStdio(cmd, opts, token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Session or delegated credential (default $TOOLGATE_TOKEN)")
	return cmd
}

func runStdio(cmd *cobra.Command, opts *rootOptions, token string) error {
	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()
	logger := setupLogger(cfg.Logging, stderr)

	s, err := gateway.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	core, err := gateway.NewCore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer core.Close()

	var principal *auth.Principal
	if token != "" {
		principal, err = core.Resolver.Resolve(cmd.Context(), token)
		if err != nil {
			return fmt.Errorf("resolving credential: %w", err)
		}
	} else {
		logger.Warn("no credential supplied; tool calls will be rejected")
	}

	srv := mcp.NewStdioServer(core.Dispatcher, principal, logger)
	return srv.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
}
