package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/devices/hostmem"
	"github.com/urfave/cli/v3"
)

// topologyFlags are shared by the subcommands that read a device topology.
func topologyFlags(topology *string, nDevices *int, isolated *bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "topology",
			Aliases:     []string{"t"},
			Usage:       "path of a YAML topology file",
			Destination: topology,
		},
		&cli.IntFlag{
			Name:        "devices",
			Aliases:     []string{"n"},
			Usage:       "number of devices, all directly connected (ignored with --topology)",
			Value:       2,
			Destination: nDevices,
		},
		&cli.BoolFlag{
			Name:        "isolated",
			Usage:       "with --devices, simulate devices without any peer links",
			Destination: isolated,
		},
	}
}

func openRuntime(topology string, nDevices int, isolated bool) (*hostmem.Runtime, error) {
	if topology != "" {
		opts, err := hostmem.LoadTopology(topology)
		if err != nil {
			return nil, err
		}
		return hostmem.NewWithOptions(opts)
	}
	return hostmem.NewWithOptions(hostmem.Options{Devices: nDevices, AllPeers: !isolated})
}

type deviceInfo struct {
	Device      int    `json:"device"`
	Name        string `json:"name"`
	Board       int    `json:"board"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	Peers       []int  `json:"peers"`
}

func collectDevices(rt *hostmem.Runtime) ([]deviceInfo, error) {
	numDevices := rt.NumDevices()
	infos := make([]deviceInfo, 0, numDevices)
	for dev := devices.DeviceNum(0); dev < numDevices; dev++ {
		props, err := rt.Properties(dev)
		if err != nil {
			return nil, err
		}
		info := deviceInfo{
			Device:      int(dev),
			Name:        props.Name,
			Board:       props.BoardID,
			MemoryBytes: props.MemoryBytes,
			Peers:       []int{},
		}
		for peer := devices.DeviceNum(0); peer < numDevices; peer++ {
			access, err := rt.CanAccessPeer(dev, peer)
			if err != nil {
				return nil, err
			}
			if access {
				info.Peers = append(info.Peers, int(peer))
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func showCmd() *cli.Command {
	var (
		topology string
		nDevices int
		isolated bool
		asJSON   bool
	)
	return &cli.Command{
		Name:  "show",
		Usage: "List the devices of a topology and their connectivity",
		Flags: append(topologyFlags(&topology, &nDevices, &isolated),
			&cli.BoolFlag{Name: "json", Usage: "emit JSON instead of text", Destination: &asJSON},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			rt, err := openRuntime(topology, nDevices, isolated)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer rt.Finalize()

			infos, err := collectDevices(rt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if asJSON {
				data, err := json.MarshalIndent(struct {
					Devices []deviceInfo `json:"devices"`
				}{infos}, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode devices: %v", err), 1)
				}
				fmt.Println(string(data))
				return nil
			}

			section(fmt.Sprintf("Devices (%d)", len(infos)))
			for _, info := range infos {
				board := "-"
				if info.Board >= 0 {
					board = fmt.Sprintf("%d", info.Board)
				}
				memory := "unlimited"
				if info.MemoryBytes > 0 {
					memory = humanize.IBytes(info.MemoryBytes)
				}
				fmt.Printf("%-12s board=%-3s memory=%-10s peers=%v\n", info.Name, board, memory, info.Peers)
			}
			return nil
		},
	}
}

func section(title string) {
	fmt.Printf("--- %s ---\n", title)
}
