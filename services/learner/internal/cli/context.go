package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/coursecraft/internal/platform/logging"
	"github.com/example/coursecraft/internal/platform/run"
	"github.com/example/coursecraft/services/learner/internal/app"
)

type commandContext struct {
	load       ConfigLoader
	configPath string
	output     string
}

func newCommandContext(load ConfigLoader) *commandContext {
	return &commandContext{load: load}
}

// open builds the app. One-shot commands log warnings to stderr in console
// form; serve keeps the configured level and format.
func (c *commandContext) open(ctx context.Context, serve bool) (*app.App, func(), error) {
	cfg, err := c.load(c.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level, format := cfg.LogLevel, cfg.LogFormat
	if !serve {
		level, format = "warn", "console"
	}
	log, err := logging.New(level, format)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		_ = log.Sync()
	}, nil
}

// withApp adapts fn into a RunE that opens the app for the duration of the
// command.
func (c *commandContext) withApp(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := c.open(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer closeApp()
		return fn(cmd, args, a)
	}
}

func newServeCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local learner API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := c.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer closeApp()

			a.Log.Info("learner starting",
				zap.String("env", a.Config.Env),
				zap.String("auth_provider", a.Config.Auth.Provider),
				zap.Bool("catalog", a.Syncer != nil),
				zap.Bool("events", a.Events.Enabled()),
			)
			if code := run.New(a.Log).Until(cmd.Context(), a.Serve); code != 0 {
				return fmt.Errorf("learner exited with code %d", code)
			}
			return nil
		},
	}
}
