package main

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/parallel"
	"github.com/urfave/cli/v3"
)

type pairInfo struct {
	Device int `json:"device"`
	Parent int `json:"parent"` // -1 at the root
	Depth  int `json:"depth"`
}

func treeCmd() *cli.Command {
	var (
		topology string
		nDevices int
		isolated bool
		asJSON   bool
	)
	return &cli.Command{
		Name:  "tree",
		Usage: "Show the reduction tree treesync would build on a topology",
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

			devs := make([]devices.DeviceNum, rt.NumDevices())
			for i := range devs {
				devs[i] = devices.DeviceNum(i)
			}
			pairs, err := parallel.ComputePairs(rt, devs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			infos, maxDepth := annotateDepths(pairs)

			if asJSON {
				data, err := json.MarshalIndent(struct {
					Pairs    []pairInfo `json:"pairs"`
					MaxDepth int        `json:"max_depth"`
				}{infos, maxDepth}, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode tree: %v", err), 1)
				}
				fmt.Println(string(data))
				return nil
			}

			section(fmt.Sprintf("Reduction Tree (%d replicas, depth %d)", len(pairs), maxDepth))
			printSubtree(pairs, pairs[0].Device, 0)
			return nil
		},
	}
}

// annotateDepths resolves each pair's distance from the root. Pairs are listed
// in pairing order, and a parent's own pair can come after its child's, so
// depths are resolved through the parent chain.
func annotateDepths(pairs []parallel.DevicePair) ([]pairInfo, int) {
	parentOf := make(map[devices.DeviceNum]devices.DeviceNum, len(pairs))
	for _, p := range pairs[1:] {
		parentOf[p.Device] = p.Parent
	}
	depths := map[devices.DeviceNum]int{pairs[0].Device: 0}
	var depth func(dev devices.DeviceNum) int
	depth = func(dev devices.DeviceNum) int {
		if d, ok := depths[dev]; ok {
			return d
		}
		d := depth(parentOf[dev]) + 1
		depths[dev] = d
		return d
	}

	infos := make([]pairInfo, len(pairs))
	maxDepth := 0
	for i, p := range pairs {
		d := depth(p.Device)
		infos[i] = pairInfo{Device: int(p.Device), Parent: int(p.Parent), Depth: d}
		if d > maxDepth {
			maxDepth = d
		}
	}
	return infos, maxDepth
}

func printSubtree(pairs []parallel.DevicePair, dev devices.DeviceNum, indent int) {
	label := fmt.Sprintf("device %d", dev)
	if indent == 0 {
		label += " (root)"
	}
	fmt.Printf("%s%s\n", strings.Repeat("  ", indent), label)
	for _, p := range pairs[1:] {
		if p.Parent == dev {
			printSubtree(pairs, p.Device, indent+1)
		}
	}
}
