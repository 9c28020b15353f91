// Command coordinator is the supervisor process's own operator CLI: a
// small github.com/alecthomas/kong command surface mirroring the
// teacher's cmd/hector entrypoint shape, rebuilt around this module's
// own Runtime instead of the teacher's agent/runner stack.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/config"
	"github.com/agentmesh/coordinator/pkg/runtime"
)

// CLI is the root command tree.
var CLI struct {
	Config string `help:"Path to the coordinator config file." default:"coordinator.yaml"`

	Serve    ServeCmd    `cmd:"" help:"Run the supervisor loop: scheduler, self-drive, A2A flows, and the operator HTTP surface."`
	Reap     ReapCmd     `cmd:"" help:"Run the A2A job reaper once and exit."`
	Validate ValidateCmd `cmd:"" help:"Load and validate the config, then exit."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("coordinator"),
		kong.Description("Multi-agent coordination runtime supervisor."),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(config.LoaderOptions{Type: config.ConfigTypeFile, Path: path})
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateCmd loads and validates the config without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run() error {
	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config valid: %s (%d agents)\n", cfg.Name, len(cfg.Agents))
	return nil
}

// ReapCmd runs the startup reaper once, for ops scripts that want to
// reconcile jobs left RUNNING across a restart without starting the
// full supervisor loop.
type ReapCmd struct{}

func (c *ReapCmd) Run() error {
	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		return err
	}
	obslog.Init(mustLevel(cfg.Logger.Level), os.Stdout, cfg.Logger.Format)

	rt, err := runtime.New(cfg, defaultCollaborators())
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	result, err := rt.RunReapOnce()
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	fmt.Printf("reap complete: incomplete=%d abandoned=%d reset_to_pending=%d\n",
		result.TotalIncomplete, result.Abandoned, result.ResetToPending)
	return nil
}

// ServeCmd runs the full supervisor loop until SIGINT/SIGTERM.
type ServeCmd struct{}

func (c *ServeCmd) Run() error {
	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		return err
	}
	obslog.Init(mustLevel(cfg.Logger.Level), os.Stdout, cfg.Logger.Format)

	rt, err := runtime.New(cfg, defaultCollaborators())
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func mustLevel(level string) slog.Level {
	l, _ := obslog.ParseLevel(level)
	return l
}
