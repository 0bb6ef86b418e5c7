package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/LJTian/NewsBot/internal/collector"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func parseCmd() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Parse a saved listing page and print the items",
		ArgsUsage: "<listing.html>",
		Description: `Runs the listing parser on a saved HTML file without any network access.

Prints each item as a JSON object on a single line. Use a tool like jq to process
the output.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "min-date",
				Usage: "Only print items published on or after this date (YYYY-MM-DD)",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return cli.Exit("expected exactly one listing file", 2)
			}
			raw, err := os.ReadFile(ctx.Args().First())
			if err != nil {
				return cli.Exit(err, 1)
			}

			var minDate time.Time
			if s := ctx.String("min-date"); s != "" {
				minDate, err = time.Parse("2006-01-02", s)
				if err != nil {
					return cli.Exit(fmt.Errorf("invalid --min-date: %w", err), 2)
				}
			}

			feed := collector.NewCodeProjectFeed(ctx.String("listing-url"), "", logrus.WithField("cmd", "parse"))
			items, err := feed.FetchRaw(raw, minDate)
			if err != nil {
				return cli.Exit(err, 1)
			}

			enc := json.NewEncoder(os.Stdout)
			for _, it := range items {
				if err := enc.Encode(it); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
