package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rickgao/moltzer/internal/discovery"
	"github.com/rickgao/moltzer/internal/history"
	"github.com/rickgao/moltzer/internal/protocol"
)

func chatCmd() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a message, or chat interactively when none is given",
		ArgsUsage: "[message]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "chat session key",
				Value: "main",
			},
			&cli.StringFlag{
				Name:  "thinking",
				Usage: "thinking level passed to the model",
			},
		},
		Action: func(c *cli.Context) error {
			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			send := func(text string) error {
				params := protocol.ChatSendParams{
					Message:    text,
					SessionKey: c.String("session"),
					Thinking:   c.String("thinking"),
				}
				var printed int
				final, err := s.mgr.Chat(c.Context, params, func(ev protocol.ChatEvent) {
					printed = printDelta(c.App.Writer, ev.Content(), printed)
				})
				if err != nil {
					fmt.Fprintln(c.App.Writer)
					return err
				}
				printed = printDelta(c.App.Writer, final.Content(), printed)
				fmt.Fprintln(c.App.Writer)
				if final.State == protocol.ChatStateError {
					return fmt.Errorf("run failed: %s", final.ErrorMessage)
				}
				return nil
			}

			if c.Args().Present() {
				return send(strings.Join(c.Args().Slice(), " "))
			}
			return chatLoop(c, send)
		},
	}
}

// chatLoop reads one message per line until EOF or cancellation.
func chatLoop(c *cli.Context, send func(string) error) error {
	scanner := bufio.NewScanner(c.App.Reader)
	for {
		fmt.Fprint(c.App.Writer, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := send(text); err != nil {
			if c.Context.Err() != nil {
				return nil
			}
			fmt.Fprintln(c.App.ErrWriter, formatError(err))
		}
	}
}

// printDelta writes the part of content not yet printed. Chat events carry
// the accumulated text, so only the new suffix is written.
func printDelta(w io.Writer, content string, printed int) int {
	if len(content) <= printed {
		return printed
	}
	io.WriteString(w, content[printed:])
	return len(content)
}

func modelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the models the Gateway offers",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "how long to wait for the Gateway before using the built-in list",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			s, err := openSession(c)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			models, err := s.mgr.ListModels(ctx)
			if err != nil {
				if len(models) == 0 {
					return err
				}
				fmt.Fprintln(c.App.ErrWriter, "using built-in model list:", formatError(err))
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPROVIDER")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, m.Name, m.Provider)
			}
			return tw.Flush()
		},
	}
}

func discoverCmd() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "Look for Gateways in the environment, config files and local ports",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			gws, err := discovery.New(discoveryOptions(cfg.Discovery), logger).Discover(c.Context)
			if err != nil {
				return err
			}
			if len(gws) == 0 {
				fmt.Fprintln(c.App.Writer, "no gateways found")
				return nil
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "URL\tSOURCE\tREACHABLE\tLATENCY")
			for _, gw := range gws {
				latency := "-"
				if gw.Reachable {
					latency = gw.ResponseTime.Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", gw.URL, gw.Source, gw.Reachable, latency)
			}
			return tw.Flush()
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recorded messages and events",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "only this session key"},
			&cli.StringFlag{Name: "run", Usage: "only this run id"},
			&cli.StringFlag{Name: "kind", Usage: "message or event"},
			&cli.IntFlag{Name: "limit", Value: history.DefaultQueryLimit},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			store, err := history.Open(c.Context, cfg.History)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("history is disabled (history.driver = %q)", cfg.History.Driver)
			}
			defer store.Close()

			records, err := store.Recent(c.Context, history.Query{
				SessionKey: c.String("session"),
				RunID:      c.String("run"),
				Kind:       history.Kind(c.String("kind")),
				Limit:      c.Int("limit"),
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tNAME\tSTATUS\tSESSION\tRUN\tERROR")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.At.Format(time.DateTime), r.Kind, r.Name, r.Status, r.SessionKey, r.RunID, r.Error)
			}
			return tw.Flush()
		},
	}
}
