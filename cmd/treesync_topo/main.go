// treesync_topo inspects simulated device topologies and the reduction trees
// treesync builds on them, without running any training:
//
//	treesync_topo show -t dgx.yaml
//	treesync_topo tree -n 8 --json
//	treesync_topo template -o starter.yaml -n 8
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "treesync_topo",
		Usage: "Inspect device topologies and reduction tree plans",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			showCmd(),
			treeCmd(),
			templateCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
