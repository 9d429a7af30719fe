package main

import (
	"os"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamfold/cmd/streamfold/cmds"
	"github.com/go-go-golems/streamfold/pkg/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "streamfold",
	Short: "streamfold folds streamed agent responses into a live message table",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
	SilenceUsage: true,
}

func main() {
	if err := clay.InitGlazed(config.AppName, rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	// The config file only supplies flag defaults; env and flags win.
	path, err := config.ResolvePath(os.Getenv(config.EnvConfigPath))
	cobra.CheckErr(err)
	base, err := config.Load(path)
	cobra.CheckErr(err)

	cobra.CheckErr(cmds.AddToRootCommand(rootCmd, base))
	rootCmd.AddCommand(cmds.NewVersionCommand(version))

	cobra.CheckErr(rootCmd.Execute())
}
