package parallel

import (
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStopped is reported by replicas released from a blocking wait because
// the tree shut down, normally or after a failure elsewhere. It marks an
// interrupted replica, not a failed one.
var ErrStopped = errors.New("synchronization tree stopped")

// StepObserver is notified at the two synchronization points of every
// optimization step. A tree node implements it to keep its replica in
// lockstep with the rest of the tree.
type StepObserver interface {
	// BeforeStep runs before the replica computes gradients for a step. For a
	// tree node this blocks until the parent has broadcast fresh values, then
	// forwards them to the node's children.
	BeforeStep() error

	// AfterGradients runs once the replica's gradients for the step are fully
	// computed, before any update is applied. For a tree node this reduces
	// the children's gradients into the replica's and forwards the sum to the
	// parent, or normalizes it at the root.
	AfterGradients() error
}

// Solver is one optimization replica: a model with tensors, an iteration
// counter, and a step loop.
//
// Implementations must call their StepObserver around every step, BeforeStep
// before computing gradients and AfterGradients after, and abort with the
// observer's error when one fails. See the train package for the reference
// implementation.
type Solver interface {
	// Params returns the model tensors, in a fixed order shared by every
	// replica of a run.
	Params() []*Tensor

	// Iter is the current iteration count.
	Iter() int

	// MaxIter is the iteration count the run finishes at.
	MaxIter() int

	// Step runs n optimization steps.
	Step(n int) error

	// Solve steps from the current iteration to MaxIter and wraps up the run.
	// It is only called on the root replica.
	Solve() error

	// Seed is the random seed of the replica, negative when unseeded.
	Seed() int64

	// SetSeed reseeds the replica's randomness.
	SetSeed(seed int64)
}

// SolverFactory builds the Solver replica for one device. The observer must
// be wired into the returned solver's step loop at construction; it stays
// inert until the tree runs.
type SolverFactory func(dev devices.DeviceNum, root bool, observer StepObserver) (Solver, error)

// Handle addresses one Node inside its Tree's replica table.
type Handle int

// noHandle marks the absent parent of the root node.
const noHandle Handle = -1

// Node is one replica of the synchronization tree: a solver bound to a
// device, its packed parameters, and the links to its parent and children.
//
// Nodes implement StepObserver for their own solver. All signaling goes
// through the nodes' queues: a handle pushed to a node's queue means "your
// counterpart is done, the shared buffer is yours to read". Buffers are
// always written before the signal is pushed, which is the only memory
// ordering the protocol relies on.
type Node struct {
	tree   *Tree
	handle Handle
	dev    devices.DeviceNum
	solver Solver
	params *DeviceParams

	parent   Handle
	children []Handle

	// queue receives the parent's handle when fresh values are ready, and
	// child handles as their staged gradients arrive.
	queue *xsync.Queue[Handle]

	// parentGrads stages this node's gradient sum on the parent's device.
	// It is nil at the root.
	parentGrads devices.Buffer

	// peerEnabled records that this node enabled peer access towards its
	// parent's device and must disable it on finalize.
	peerEnabled bool
}

// Compile-time check that tree nodes observe their own solver's steps.
var _ StepObserver = (*Node)(nil)

// Handle of the node in its tree.
func (n *Node) Handle() Handle { return n.handle }

// Device the node's replica runs on.
func (n *Node) Device() devices.DeviceNum { return n.dev }

// Solver of the node's replica.
func (n *Node) Solver() Solver { return n.solver }

// Params is the node's packed parameter storage.
func (n *Node) Params() *DeviceParams { return n.params }

// Children returns the handles of the node's children in the tree.
func (n *Node) Children() []Handle {
	out := make([]Handle, len(n.children))
	copy(out, n.children)
	return out
}

// BeforeStep implements StepObserver: it waits for the parent's broadcast,
// then pushes the fresh values down to the children, in reverse attachment
// order.
func (n *Node) BeforeStep() error {
	rt := n.tree.rt
	if n.parent != noHandle {
		got, ok := n.queue.Pop()
		if !ok {
			return ErrStopped
		}
		if got != n.parent {
			return errors.Errorf("replica %d received start signal from replica %d, expected parent %d",
				n.handle, got, n.parent)
		}
	}
	for i := len(n.children) - 1; i >= 0; i-- {
		child := n.tree.nodes[n.children[i]]
		event, err := rt.CopyBufferAsync(child.params.Values(), n.params.Values())
		if err == nil {
			err = event.Wait()
		}
		if err != nil {
			return errors.WithMessagef(err, "replica %d failed to broadcast values to child replica %d (device %d)",
				n.handle, child.handle, child.dev)
		}
		child.queue.Push(n.handle)
	}
	return nil
}

// AfterGradients implements StepObserver: it accumulates the children's
// staged gradient sums into this replica's gradients, then either stages the
// total on the parent's device and signals the parent, or, at the root,
// normalizes the total by the solver count.
func (n *Node) AfterGradients() error {
	rt := n.tree.rt
	for range n.children {
		got, ok := n.queue.Pop()
		if !ok {
			return ErrStopped
		}
		child, err := n.childByHandle(got)
		if err != nil {
			return err
		}
		if err := rt.Axpy(1, child.parentGrads, n.params.Grads()); err != nil {
			return errors.WithMessagef(err, "replica %d failed to accumulate gradients of child replica %d",
				n.handle, child.handle)
		}
	}
	if n.parent != noHandle {
		event, err := rt.CopyBufferAsync(n.parentGrads, n.params.Grads())
		if err == nil {
			err = event.Wait()
		}
		if err != nil {
			return errors.WithMessagef(err, "replica %d failed to stage gradients for its parent", n.handle)
		}
		n.tree.nodes[n.parent].queue.Push(n.handle)
		return nil
	}
	// Root: every replica's gradients are in, normalize the sum.
	if err := rt.Scal(1/float64(n.tree.solverCount), n.params.Grads()); err != nil {
		return errors.WithMessagef(err, "root replica failed to normalize gradients")
	}
	return nil
}

// childByHandle resolves a gradient signal to the child that sent it.
func (n *Node) childByHandle(h Handle) (*Node, error) {
	for _, child := range n.children {
		if child == h {
			return n.tree.nodes[child], nil
		}
	}
	return nil, errors.Errorf("replica %d received gradient signal from replica %d, which is not one of its children %v",
		n.handle, h, n.children)
}

// runWorker is the body of one non-root replica goroutine: it perturbs the
// seed per device so replicas draw different data, then steps the solver for
// the remainder of the run.
func (n *Node) runWorker() error {
	if seed := n.solver.Seed(); seed >= 0 {
		n.solver.SetSeed(seed + int64(n.dev))
	}
	klog.V(1).Infof("[%s] replica %d starting on device %d", n.tree.tag, n.handle, n.dev)
	err := n.solver.Step(n.solver.MaxIter() - n.tree.initialIter)
	switch {
	case err == nil:
		klog.V(1).Infof("[%s] replica %d finished", n.tree.tag, n.handle)
	case errors.Is(err, ErrStopped):
		klog.V(1).Infof("[%s] replica %d stopped", n.tree.tag, n.handle)
	default:
		klog.Errorf("[%s] replica %d (device %d) failed: %+v", n.tree.tag, n.handle, n.dev, err)
		// Unblock the rest of the tree, there is no recovering this run.
		n.tree.stopAll()
	}
	return err
}
