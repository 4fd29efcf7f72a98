// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// eva-tool sends, fetches and serves single files over EVA on a UDP overlay.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "eva-tool",
		Usage: "Transfer files over EVA on a UDP overlay",
		Flags: globalFlags(),
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			sendCommand(),
			getCommand(),
			serveCommand(),
		},
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("eva-tool failed")
	}
}
