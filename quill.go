package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/quill/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "quill",
		Usage:   "Context-aware local writing assistant",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"QUILL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"QUILL_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			cmd.GenerateCommand(),
			cmd.SessionCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
