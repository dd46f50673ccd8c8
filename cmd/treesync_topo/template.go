package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/treesync/devices/hostmem"
	"github.com/urfave/cli/v3"
)

func templateCmd() *cli.Command {
	var (
		out      string
		nDevices int
	)
	return &cli.Command{
		Name:  "template",
		Usage: "Write a starter YAML topology file to edit by hand",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "path of the YAML file to write",
				Required:    true,
				Destination: &out,
			},
			&cli.IntFlag{
				Name:        "devices",
				Aliases:     []string{"n"},
				Usage:       "number of devices in the template",
				Value:       4,
				Destination: &nDevices,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			if nDevices < 1 {
				return cli.Exit("error: a topology needs at least 1 device", 1)
			}
			opts := hostmem.Options{
				Devices:              nDevices,
				MemoryBytesPerDevice: 16 << 30,
				CopyDelay:            50 * time.Microsecond,
				CopyJitter:           20 * time.Microsecond,
			}
			// Adjacent devices share a board, like dual-device boards do.
			for dev := 0; dev+1 < nDevices; dev += 2 {
				opts.Boards = append(opts.Boards, []int{dev, dev + 1})
			}
			if err := hostmem.SaveTopology(out, opts); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("Topology template for %d device(s) written to %s\n", nDevices, out)
			return nil
		},
	}
}
