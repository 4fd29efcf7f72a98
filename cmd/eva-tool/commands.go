// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/urfave/cli/v2"

	"github.com/dtn7/eva-go/pkg/eva"
	"github.com/dtn7/eva-go/pkg/overlay"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Aliases: []string{"l"},
			Value:   ":0",
			Usage:   "Local UDP address of the overlay",
		},
		&cli.IntFlag{
			Name:  "block-size",
			Value: eva.DefaultConfig().BlockSize,
			Usage: "Block size in bytes",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Value:   time.Minute,
			Usage:   "Maximum duration of a send or get",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
		},
	}
}

// node is a Protocol on its own UDP overlay.
type node struct {
	overlay  *overlay.UDPOverlay
	protocol *eva.Protocol
}

func startNode(c *cli.Context) (n *node, err error) {
	conf := eva.DefaultConfig()
	conf.BlockSize = c.Int("block-size")

	n = &node{}
	if n.overlay, err = overlay.ListenUDP(c.String("listen")); err != nil {
		return
	}
	if n.protocol, err = eva.NewProtocol(n.overlay.Peer(), n.overlay, conf); err != nil {
		_ = n.overlay.Close()
		return
	}
	return
}

func (n *node) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.protocol.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Shutting down protocol errored")
	}
	if err := n.overlay.Close(); err != nil {
		log.WithError(err).Warn("Closing overlay errored")
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a file to a peer, named by its base name",
		ArgsUsage: "PEER FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("send requires PEER and FILE", 1)
			}
			peer, file := eva.Peer(c.Args().Get(0)), c.Args().Get(1)

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			n, err := startNode(c)
			if err != nil {
				return err
			}
			defer n.stop()

			completion, err := n.protocol.SendBinary(peer, []byte(filepath.Base(file)), data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if _, err := completion.Wait(ctx); err != nil {
				completion.Cancel()
				return err
			}

			log.WithFields(log.Fields{
				"peer": peer,
				"file": file,
				"size": len(data),
			}).Info("Sent file")
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Request a binary by its info from a peer",
		ArgsUsage: "PEER INFO OUTFILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("get requires PEER, INFO and OUTFILE", 1)
			}
			peer, info, outFile := eva.Peer(c.Args().Get(0)), c.Args().Get(1), c.Args().Get(2)

			n, err := startNode(c)
			if err != nil {
				return err
			}
			defer n.stop()

			completion, err := n.protocol.GetBinary(peer, []byte(info))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			result, err := completion.Wait(ctx)
			if err != nil {
				completion.Cancel()
				return err
			}

			if err := os.WriteFile(outFile, result.Data, 0644); err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"peer": peer,
				"info": info,
				"file": outFile,
				"size": len(result.Data),
			}).Info("Fetched binary")
			return nil
		},
	}
}

// serveHandler answers pull requests with the directory's file named by the info.
func serveHandler(directory string) eva.RequestHandler {
	return func(peer eva.Peer, info []byte) ([]byte, error) {
		name := string(info)
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
			return nil, fmt.Errorf("illegal file name %q", name)
		}

		log.WithFields(log.Fields{
			"peer": peer,
			"file": name,
		}).Info("Serving pull request")
		return os.ReadFile(filepath.Join(directory, name))
	}
}

// storeHandler writes received binaries into the directory.
func storeHandler(directory string) func(eva.Result) {
	return func(result eva.Result) {
		name := filepath.Base(string(result.Info))
		if name == "." || name == "/" || name == ".." {
			name = fmt.Sprintf("transfer-%08x", result.Nonce)
		}

		logger := log.WithFields(log.Fields{
			"peer": result.Peer,
			"file": name,
			"size": len(result.Data),
		})

		if err := os.WriteFile(filepath.Join(directory, name), result.Data, 0644); err != nil {
			logger.WithError(err).Warn("Saving received binary errored")
		} else {
			logger.Info("Saved received binary")
		}
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve a directory for pull requests and store received files in it",
		ArgsUsage: "DIR",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("serve requires DIR", 1)
			}
			directory := c.Args().Get(0)

			if fi, err := os.Stat(directory); err != nil {
				return err
			} else if !fi.IsDir() {
				return fmt.Errorf("%s is not a directory", directory)
			}

			n, err := startNode(c)
			if err != nil {
				return err
			}
			defer n.stop()

			n.protocol.OnRequest(serveHandler(directory))
			n.protocol.OnReceive(storeHandler(directory))

			log.WithFields(log.Fields{
				"peer":      n.overlay.Peer(),
				"directory": directory,
			}).Info("Serving directory")

			<-c.Context.Done()
			return nil
		},
	}
}
