// Command moltzer talks to a Moltzer Gateway from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/moltzer/internal/protocol"
	"github.com/rickgao/moltzer/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "moltzer:", formatError(err))
		os.Exit(1)
	}
}

// unknown is how protocol.Describe renders an error it does not recognize.
var unknown = protocol.Describe(errors.New(""))

// formatError renders err for the terminal. Gateway and connection errors
// are described in plain words; others, such as config errors, print as is.
func formatError(err error) string {
	d := protocol.Describe(err)
	if d == unknown {
		return err.Error()
	}
	s := d.Title + ": " + d.Message
	if d.Suggestion != "" {
		s += " " + d.Suggestion
	}
	return s
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "moltzer",
		Usage:   "Moltzer Gateway client",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   "moltzer.yaml",
				EnvVars: []string{"MOLTZER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Gateway WebSocket URL (overrides config and discovery)",
				EnvVars: []string{"MOLTZER_GATEWAY_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Gateway auth token (overrides config)",
				EnvVars: []string{"MOLTZER_GATEWAY_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			chatCmd(),
			modelsCmd(),
			discoverCmd(),
			historyCmd(),
			versionCmd(),
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version.String())
			fmt.Fprintln(c.App.Writer, version.UserAgent())
			return nil
		},
	}
}
