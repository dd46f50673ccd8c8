// treesync_bench trains a synthetic linear regression model across simulated
// devices with the synchronization tree, and reports topology, throughput and
// convergence. It is the quickest way to see the whole stack working:
//
//	treesync_bench -devices 4 -iterations 1000 -plot loss.png
//	treesync_bench -topology dgx.yaml -history loss.csv
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/devices/hostmem"
	"github.com/gomlx/treesync/parallel"
	"github.com/gomlx/treesync/train"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDevices = flag.Int("devices", 2, "Number of simulated devices to train on, all directly "+
		"connected to each other. Ignored when --topology is given.")
	flagTopology = flag.String("topology", "", "Path of a YAML topology file describing the simulated "+
		"devices: boards, peer links, memory and copy latency. See the devices/hostmem package for the schema.")

	flagFeatures   = flag.Int("features", 16, "Number of features of the synthetic linear regression.")
	flagSamples    = flag.Int("samples", 4096, "Number of synthetic samples, shared by every replica.")
	flagBatch      = flag.Int("batch", 64, "Minibatch size per replica.")
	flagIterations = flag.Int("iterations", 500, "Number of synchronized optimization steps.")
	flagLR         = flag.Float64("learning_rate", 0.1, "Learning rate of the root replica's updates.")
	flagSeed       = flag.Int64("seed", 42, "Seed for minibatch sampling, perturbed per device so "+
		"replicas draw different batches. Negative leaves the replicas unseeded.")
	flagDataSeed = flag.Int64("data_seed", 17, "Seed of the synthetic dataset. All replicas build "+
		"their dataset from this same seed.")

	flagPlot    = flag.String("plot", "", "Write a PNG plot of the root replica's loss curve to this path.")
	flagHistory = flag.String("history", "", "Write the root replica's per-iteration loss as CSV to this path.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'treesync_bench -help'.", flag.Args())
		os.Exit(1)
	}

	rt := buildRuntime()
	defer rt.Finalize()
	reportTopology(rt)
	bench(rt)
}

func buildRuntime() *hostmem.Runtime {
	opts := hostmem.Options{Devices: *flagDevices, AllPeers: true}
	if *flagTopology != "" {
		opts = must.M1(hostmem.LoadTopology(*flagTopology))
	}
	return must.M1(hostmem.NewWithOptions(opts))
}

func reportTopology(rt *hostmem.Runtime) {
	fmt.Println(titleStyle.Render("Devices"))
	table := newPlainTable(true)
	table.Row("Device", "Name", "Board", "Memory", "Peers")
	numDevices := rt.NumDevices()
	for dev := devices.DeviceNum(0); dev < numDevices; dev++ {
		props := must.M1(rt.Properties(dev))
		board := "-"
		if props.BoardID >= 0 {
			board = fmt.Sprintf("%d", props.BoardID)
		}
		memory := "unlimited"
		if props.MemoryBytes > 0 {
			memory = humanize.Bytes(props.MemoryBytes)
		}
		var peers []devices.DeviceNum
		for peer := devices.DeviceNum(0); peer < numDevices; peer++ {
			if must.M1(rt.CanAccessPeer(dev, peer)) {
				peers = append(peers, peer)
			}
		}
		table.Row(fmt.Sprintf("%d", dev), props.Name, board, memory, fmt.Sprintf("%v", peers))
	}
	fmt.Println(table.Render())
}

func bench(rt *hostmem.Runtime) {
	numDevices := int(rt.NumDevices())
	devs := make([]devices.DeviceNum, numDevices)
	for i := range devs {
		devs[i] = devices.DeviceNum(i)
	}
	opts := train.Options{
		LearningRate: *flagLR,
		MaxIter:      *flagIterations,
		Seed:         *flagSeed,
	}

	history := &lossHistory{}
	progress := newProgressObserver(*flagIterations)
	var rootNet *train.LinearNet
	factory := func(dev devices.DeviceNum, root bool, obs parallel.StepObserver) (parallel.Solver, error) {
		net := train.NewLinearNet(rt, *flagFeatures, *flagSamples, *flagBatch, *flagDataSeed)
		if !root {
			return train.NewWorker(rt, net, opts, obs), nil
		}
		rootNet = net
		solver := train.NewSGD(rt, net, opts, obs, history, progress)
		history.solver = solver
		return solver, nil
	}

	tree := must.M1(parallel.Prepare(rt, parallel.Config{Devices: devs, NewSolver: factory}))
	defer tree.Finalize()

	start := time.Now()
	runErr := tree.Run()
	elapsed := time.Since(start)
	progress.finish()
	must.M(runErr)

	fullLoss := must.M1(rootNet.FullLoss())
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("replicas", fmt.Sprintf("%d", tree.NumReplicas()))
	table.Row("iterations", humanize.Comma(int64(*flagIterations)))
	table.Row("duration", elapsed.Round(time.Millisecond).String())
	table.Row("steps/s", fmt.Sprintf("%.1f", float64(*flagIterations)/elapsed.Seconds()))
	table.Row("batch/step", humanize.Comma(int64(*flagBatch*numDevices)))
	table.Row("last minibatch loss", fmt.Sprintf("%.6f", history.last()))
	table.Row("full dataset loss", fmt.Sprintf("%.6f", fullLoss))
	table.Row("staged copies", humanize.Comma(rt.StagedCopies()))
	fmt.Println(table.Render())

	reportWeights(rt, rootNet)

	if *flagHistory != "" {
		must.M(history.writeCSV(*flagHistory))
		fmt.Printf("Loss history written to %s\n", *flagHistory)
	}
	if *flagPlot != "" {
		must.M(history.savePlot(*flagPlot))
		fmt.Printf("Loss plot written to %s\n", *flagPlot)
	}
}

// reportWeights compares the first learned weights against the hidden true
// ones the targets were generated with.
func reportWeights(rt *hostmem.Runtime, net *train.LinearNet) {
	const maxRows = 8
	trueW, trueB := net.TrueWeights()
	learned := must.M1(rt.BufferData(net.Params()[0].Value())).([]float32)
	bias := must.M1(rt.BufferData(net.Params()[1].Value())).([]float32)

	fmt.Println(titleStyle.Render("Learned Weights"))
	table := newPlainTable(true)
	table.Row("Parameter", "Learned", "True")
	for j := 0; j < len(trueW) && j < maxRows; j++ {
		table.Row(fmt.Sprintf("w[%d]", j), fmt.Sprintf("%+.4f", learned[j]), fmt.Sprintf("%+.4f", trueW[j]))
	}
	if len(trueW) > maxRows {
		table.Row(fmt.Sprintf("... %d more", len(trueW)-maxRows), "", "")
	}
	table.Row("bias", fmt.Sprintf("%+.4f", bias[0]), fmt.Sprintf("%+.4f", trueB))
	fmt.Println(table.Render())
}
