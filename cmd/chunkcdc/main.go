package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"reduction.dev/chunkcdc/config"
	"reduction.dev/chunkcdc/logging"
)

func main() {
	app := &cli.App{
		Name:  "chunkcdc",
		Usage: "Snapshot tables in parallel chunks and stream their changes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "one of debug, info, warn or error",
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := logging.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			slog.SetDefault(slog.New(logging.NewTextHandler(os.Stderr)))
			return nil
		},
		Commands: []*cli.Command{{
			Name:      "run",
			Usage:     "Capture the configured tables and write records to stdout as JSON lines",
			Args:      true,
			ArgsUsage: "<config.yaml>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "param",
					Usage: "a NAME=VALUE parameter referenced by the config file",
				},
				&cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "serve prometheus metrics on this address",
				},
			},
			Action: func(ctx *cli.Context) error {
				configPath := ctx.Args().First()
				if configPath == "" {
					return fmt.Errorf("config path is required")
				}
				params, err := parseParams(ctx.StringSlice("param"))
				if err != nil {
					return err
				}
				err = run(ctx.Context, runParams{
					ConfigPath:  configPath,
					Params:      params,
					MetricsAddr: ctx.String("metrics-addr"),
					Output:      os.Stdout,
				})
				if err != nil {
					slog.Error("terminated with error", "error", err)
				}
				return err
			},
		}, {
			Name:      "inspect",
			Usage:     "Print the latest checkpoint in a location",
			Args:      true,
			ArgsUsage: "<checkpoint-location>",
			Action: func(ctx *cli.Context) error {
				uri := ctx.Args().First()
				if uri == "" {
					return fmt.Errorf("checkpoint location is required")
				}
				return inspect(ctx.Context, os.Stdout, uri)
			},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseParams(pairs []string) (*config.Params, error) {
	params := config.NewParams()
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q must look like NAME=VALUE", pair)
		}
		params.Set(key, value)
	}
	return params, nil
}
