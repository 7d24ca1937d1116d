// ABOUTME: Entry point for the toolgate tool invocation gateway
// ABOUTME: Builds the cobra command tree shared by the server, stdio and admin commands

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/mcp"
)

// version is set at build time.
var version = "dev"

const banner = `
 _              _             _
| |_ ___   ___ | | __ _  __ _| |_ ___
| __/ _ \ / _ \| |/ _' |/ _' | __/ _ \
| || (_) | (_) | | (_| | (_| | ||  __/
 \__\___/ \___/|_|\__, |\__,_|\__\___|
                  |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	mcp.Version = version

	cmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Authenticated, quota-limited tool invocation gateway",
		Long: heredoc.Doc(`
			toolgate exposes built-in and catalog-defined tools to AI agents over MCP
			(streamable HTTP, WebSocket and stdio), gRPC and a JSON HTTP API.

			Every invocation is authenticated, checked against a daily quota and
			audited. The config file is found via --config, then TOOLGATE_CONFIG,
			then $XDG_CONFIG_HOME/toolgate/toolgate.yaml.
		`),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (yaml or toml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newStdioCmd(opts),
		newBootstrapCmd(opts),
		newTokenCmd(opts),
		newCredentialCmd(opts),
		newQuotaCmd(opts),
		newToolCmd(opts),
		newUsageCmd(opts),
	)
	return cmd
}

// loadConfig loads the config file selected by the flags and environment.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// openCore loads the config and wires the invocation stack for admin
// commands. Logs go to stderr so command output stays parseable.
func (o *rootOptions) openCore(stderr io.Writer) (*config.Config, *gateway.Core, error) {
	cfg, _, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := quietLogger(stderr)
	if cfg.Logging.Level == "debug" {
		logger = setupLogger(cfg.Logging, stderr)
	}

	s, err := gateway.OpenStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	core, err := gateway.NewCore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return cfg, core, nil
}

// quietLogger discards everything below warn; admin commands print their own output.
func quietLogger(stderr io.Writer) *slog.Logger {
	return setupLogger(config.LoggingConfig{Level: "warn"}, stderr)
}
