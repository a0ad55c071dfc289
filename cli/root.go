// Package cli wires the recorder's collaborators behind a cobra command tree.
// The root command without a subcommand behaves like "run".
package cli

import (
	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/logging"
)

// Version is overridden at build time with -ldflags "-X .../cli.Version=...".
var Version = "dev"

type Dependencies struct {
	Config *config.Config
	Logs   *logging.Factory
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	runCmd := NewRunCmd(deps)

	rootCmd := &cobra.Command{
		Use:           "ddrecorder",
		Short:         "Record live rooms, burn in chat, split and upload",
		Long:          "ddrecorder watches the configured live rooms, records every broadcast with its chat, renders the chat onto the video, splits the result and uploads it.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	rootCmd.Version = Version
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewProcessCmd(deps))
	rootCmd.AddCommand(NewSplitCmd(deps))
	rootCmd.AddCommand(NewUploadCmd(deps))
	rootCmd.AddCommand(NewCleanCmd(deps))
	rootCmd.AddCommand(NewAuthCmd(deps))
	rootCmd.AddCommand(NewSessionsCmd(deps))

	return rootCmd
}
