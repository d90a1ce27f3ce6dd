// Package cli is the learner command line: the local API server plus direct
// access to the progress cache and the signed-in session.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/example/coursecraft/services/learner/internal/config"
)

// ConfigLoader resolves the configuration for a --config path.
type ConfigLoader func(path string) (config.Config, error)

func NewRootCmd(load ConfigLoader) *cobra.Command {
	c := newCommandContext(load)

	root := &cobra.Command{
		Use:           "learner",
		Short:         "CourseCraft learner core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath(), "Configuration file path")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputAuto, "Output format: auto, json or table")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newProgressCommand(c))
	root.AddCommand(newSessionCommand(c))
	return root
}
