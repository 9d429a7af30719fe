package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamfold/pkg/config"
)

// AddToRootCommand registers serve, replay and the streams group. base holds
// the config file values and becomes the default of every flag.
func AddToRootCommand(root *cobra.Command, base config.Config) error {
	serveCmd, err := NewServeCommand(base)
	if err != nil {
		return err
	}
	replayCmd, err := NewReplayCommand(base)
	if err != nil {
		return err
	}
	listCmd, err := NewStreamsListCommand(base)
	if err != nil {
		return err
	}
	showCmd, err := NewStreamsShowCommand(base)
	if err != nil {
		return err
	}

	for _, c := range []cmds.Command{serveCmd, replayCmd} {
		cobraCmd, err := buildCobraCommand(c)
		if err != nil {
			return err
		}
		root.AddCommand(cobraCmd)
	}

	streamsCmd := &cobra.Command{
		Use:   "streams",
		Short: "Inspect the sqlite stream log",
	}
	for _, c := range []cmds.Command{listCmd, showCmd} {
		cobraCmd, err := buildCobraCommand(c)
		if err != nil {
			return err
		}
		streamsCmd.AddCommand(cobraCmd)
	}
	root.AddCommand(streamsCmd)
	return nil
}

func buildCobraCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
