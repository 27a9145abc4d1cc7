package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/config"
	"github.com/mrz1836/ledgerlink/internal/output"
)

type cmdContextKey struct{}

// CommandContext holds dependencies for CLI commands.
type CommandContext struct {
	Cfg *config.Config
	Log *config.Logger
	Fmt *output.Formatter
}

// SetCmdContext attaches cc to the command's context.
func SetCmdContext(cmd *cobra.Command, cc *CommandContext) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, cmdContextKey{}, cc))
}

// GetCmdContext returns the context set by SetCmdContext, falling back to
// the globals when the command ran without PersistentPreRunE.
func GetCmdContext(cmd *cobra.Command) *CommandContext {
	if ctx := cmd.Context(); ctx != nil {
		if cc, ok := ctx.Value(cmdContextKey{}).(*CommandContext); ok {
			return cc
		}
	}
	return &CommandContext{Cfg: cfg, Log: logger, Fmt: formatter}
}
