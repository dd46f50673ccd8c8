// Package parallel implements synchronized data-parallel training across the
// local devices of one machine.
//
// Each replica packs its model parameters and gradients into one contiguous
// device buffer per region, devices are paired into a rooted binary reduction
// tree that favors board and peer-access locality, and one solver replica
// runs per device. Every optimization step, parameter values flow from the
// root down the tree before gradients are computed, gradient sums flow from
// the leaves back up once they are ready, and only the root applies updates,
// on the gradient averaged over all replicas.
//
// Typical use, with the solver replicas built by the train package:
//
//	rt := devices.New()
//	defer rt.Finalize()
//	err := parallel.Run(rt, parallel.Config{
//		Devices:   []devices.DeviceNum{0, 1, 2, 3},
//		NewSolver: func(dev devices.DeviceNum, root bool, obs parallel.StepObserver) (parallel.Solver, error) {
//			...
//		},
//	})
package parallel

import (
	"sync"

	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a synchronized training run.
type Config struct {
	// Devices to run replicas on. The pairing decides which one becomes the
	// tree root. Devices must not repeat.
	Devices []devices.DeviceNum

	// NewSolver builds the solver replica for one device. It is called once
	// per device during Prepare, root first.
	NewSolver SolverFactory

	// SolverCount overrides the divisor of the final gradient normalization.
	// It defaults to len(Devices), the number of replicas contributing
	// gradients.
	SolverCount int
}

// Tree is a prepared synchronization tree: one Node per device, chained
// parent to children following the device pairing.
//
// The Tree owns its nodes; Handle values index into its replica table.
type Tree struct {
	rt  devices.Runtime
	cfg Config

	// tag is a short random run identifier used to correlate log lines.
	tag string

	pairs       []DevicePair
	nodes       []*Node
	solverCount int
	initialIter int
	finalized   bool
}

// Prepare computes the device pairing and builds the replica tree for the
// given configuration: the root replica first, then every other replica as
// soon as its parent exists, wiring queues, packed parameters, peer access
// and gradient staging buffers.
//
// On error, everything already built is released. On success the caller owns
// the Tree and must call Finalize when done with it.
func Prepare(rt devices.Runtime, cfg Config) (t *Tree, err error) {
	if len(cfg.Devices) == 0 {
		return nil, errors.New("no devices configured")
	}
	if cfg.NewSolver == nil {
		return nil, errors.New("no solver factory configured")
	}
	solverCount := cfg.SolverCount
	if solverCount == 0 {
		solverCount = len(cfg.Devices)
	}
	if solverCount < 1 {
		return nil, errors.Errorf("invalid solver count %d", solverCount)
	}

	pairs, err := ComputePairs(rt, cfg.Devices)
	if err != nil {
		return nil, err
	}
	t = &Tree{
		rt:          rt,
		cfg:         cfg,
		tag:         uuid.NewString()[:8],
		pairs:       pairs,
		nodes:       make([]*Node, len(pairs)),
		solverCount: solverCount,
	}
	defer func() {
		if err != nil {
			t.Finalize()
		}
	}()

	// The root replica defines the packed layout and the starting iteration
	// for everyone.
	if err = t.buildNode(0, noHandle); err != nil {
		return nil, err
	}
	t.initialIter = t.nodes[0].solver.Iter()

	// Each sweep attaches every replica whose parent is already built, so
	// len(pairs) sweeps always suffice.
	built := 1
	for attempt := 0; attempt < len(pairs) && built < len(pairs); attempt++ {
		for i := 1; i < len(pairs); i++ {
			if t.nodes[i] != nil {
				continue
			}
			parent := t.nodeByDevice(pairs[i].Parent)
			if parent == nil {
				continue
			}
			if err = t.buildNode(i, parent.handle); err != nil {
				return nil, err
			}
			parent.children = append(parent.children, Handle(i))
			built++
		}
	}
	if built < len(pairs) {
		return nil, errors.Errorf("could not chain %d of %d replicas to the tree", len(pairs)-built, len(pairs))
	}
	klog.V(1).Infof("[%s] prepared %d replica(s), root on device %d, starting iteration %d",
		t.tag, len(t.nodes), t.nodes[0].dev, t.initialIter)
	return t, nil
}

// buildNode creates the replica for pairs[i] under the given parent.
func (t *Tree) buildNode(i int, parent Handle) error {
	pair := t.pairs[i]
	node := &Node{
		tree:   t,
		handle: Handle(i),
		dev:    pair.Device,
		parent: parent,
		queue:  xsync.NewQueue[Handle](),
	}
	// Registered before any allocation so a failed Prepare releases whatever
	// this replica managed to acquire.
	t.nodes[i] = node

	solver, err := t.cfg.NewSolver(node.dev, parent == noHandle, node)
	if err != nil {
		return errors.WithMessagef(err, "failed to build solver replica for device %d", node.dev)
	}
	node.solver = solver

	// Packed storage is always sized and seeded from the root's tensors, then
	// installed into this replica's own.
	rootTensors := solver.Params()
	if parent != noHandle {
		rootTensors = t.nodes[0].solver.Params()
	}
	node.params, err = NewDeviceParams(t.rt, node.dev, rootTensors)
	if err != nil {
		return err
	}
	if err = node.params.Install(solver.Params()); err != nil {
		return err
	}

	if parent != noHandle {
		parentDev := t.nodes[parent].dev
		access, err := t.rt.CanAccessPeer(node.dev, parentDev)
		if err != nil {
			return err
		}
		if access {
			if err = t.rt.EnablePeerAccess(node.dev, parentDev); err != nil {
				return errors.WithMessagef(err, "failed to enable peer access from device %d to device %d",
					node.dev, parentDev)
			}
			node.peerEnabled = true
		} else {
			klog.Infof("[%s] device %d does not have direct access to device %d, copies will be staged",
				t.tag, node.dev, parentDev)
		}
		node.parentGrads, err = t.rt.AllocBuffer(parentDev, node.params.Layout().DType(), node.params.Layout().TotalSize())
		if err != nil {
			return errors.WithMessagef(err, "failed to allocate gradient staging for device %d on parent device %d",
				node.dev, parentDev)
		}
	}
	return nil
}

// nodeByDevice finds the built node running on the given device, nil if none.
func (t *Tree) nodeByDevice(dev devices.DeviceNum) *Node {
	for _, n := range t.nodes {
		if n != nil && n.dev == dev {
			return n
		}
	}
	return nil
}

// Pairs returns a copy of the device pairing of this tree.
func (t *Tree) Pairs() []DevicePair {
	out := make([]DevicePair, len(t.pairs))
	copy(out, t.pairs)
	return out
}

// Root returns the root replica's node.
func (t *Tree) Root() *Node { return t.nodes[0] }

// NumReplicas in the tree.
func (t *Tree) NumReplicas() int { return len(t.nodes) }

// Run starts one goroutine per non-root replica, runs the root solver on the
// calling goroutine, and waits for every replica to finish.
//
// A replica failure closes every queue, releasing the replicas blocked on
// signals; Run then reports the failure. Replicas released this way report
// ErrStopped, which is not itself a failure.
func (t *Tree) Run() error {
	if t.finalized {
		return errors.New("synchronization tree is finalized")
	}
	root := t.nodes[0]
	klog.Infof("[%s] starting optimization: %d replica(s), %d iteration(s) to go",
		t.tag, len(t.nodes), root.solver.MaxIter()-t.initialIter)

	var wg sync.WaitGroup
	workerErrs := make([]error, len(t.nodes))
	for i := 1; i < len(t.nodes); i++ {
		node := t.nodes[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerErrs[node.handle] = node.runWorker()
		}()
	}

	rootErr := root.solver.Solve()

	// Normal completion leaves every replica done; after a failure this
	// releases whoever is still blocked.
	t.stopAll()
	wg.Wait()

	if rootErr != nil && !errors.Is(rootErr, ErrStopped) {
		return errors.WithMessagef(rootErr, "[%s] root replica (device %d) failed", t.tag, root.dev)
	}
	for i := 1; i < len(t.nodes); i++ {
		if err := workerErrs[i]; err != nil && !errors.Is(err, ErrStopped) {
			return errors.WithMessagef(err, "[%s] replica %d (device %d) failed", t.tag, i, t.nodes[i].dev)
		}
	}
	if rootErr != nil {
		// The root was stopped but no replica reported the cause.
		return errors.WithMessagef(rootErr, "[%s] root replica (device %d) interrupted", t.tag, root.dev)
	}
	klog.Infof("[%s] optimization done at iteration %d", t.tag, root.solver.Iter())
	return nil
}

// stopAll closes every replica queue, releasing all blocked waits. Queues
// drain their pending signals first, so replicas already past their last wait
// still finish cleanly.
func (t *Tree) stopAll() {
	for _, n := range t.nodes {
		if n != nil {
			n.queue.Close()
		}
	}
}

// Finalize releases every replica's device resources, children before
// parents. It is idempotent.
func (t *Tree) Finalize() {
	if t.finalized {
		return
	}
	t.finalized = true
	t.stopAll()
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		if n == nil {
			continue
		}
		if n.parentGrads != nil {
			if err := t.rt.BufferFinalize(n.parentGrads); err != nil {
				klog.Warningf("[%s] failed to release gradient staging of replica %d: %+v", t.tag, i, err)
			}
			n.parentGrads = nil
		}
		if n.peerEnabled {
			if err := t.rt.DisablePeerAccess(n.dev, t.nodes[n.parent].dev); err != nil {
				klog.Warningf("[%s] failed to disable peer access of replica %d: %+v", t.tag, i, err)
			}
			n.peerEnabled = false
		}
		if n.params != nil {
			n.params.Finalize()
		}
	}
}

// Run prepares a synchronization tree for the configuration, runs it to
// completion and releases it. It is the package's one-call entry point.
func Run(rt devices.Runtime, cfg Config) error {
	t, err := Prepare(rt, cfg)
	if err != nil {
		return err
	}
	defer t.Finalize()
	return t.Run()
}
