// Package train provides the reference Solver implementation used with the
// parallel synchronization tree: plain SGD over a Net, with the tree's step
// observers wired into the step loop at construction.
//
// Worker replicas are built with NewWorker: they run the same step loop but
// never apply updates, since in synchronized training only the root replica
// updates parameters and broadcasts them back down the tree.
package train

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/parallel"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Net is a model the solver can train: tensors plus a gradient computation.
type Net interface {
	// Params returns the model tensors, in a fixed order. The tensors must be
	// installed into packed device storage before training starts.
	Params() []*parallel.Tensor

	// Backward computes the loss for iteration iter and accumulates gradients
	// into the tensors' Grad buffers, which arrive zeroed.
	Backward(iter int) (loss float64, err error)
}

// Reseeder is implemented by nets whose data sampling can be reseeded, so
// replicas of the same net draw different batches.
type Reseeder interface {
	Reseed(seed int64)
}

// Options configure an SGD solver.
type Options struct {
	// LearningRate of the updates. Defaults to 0.01 when zero.
	LearningRate float64

	// MaxIter is the iteration the run finishes at.
	MaxIter int

	// Seed for data sampling. Negative leaves the replica unseeded; the
	// synchronization tree perturbs non-negative seeds per device.
	Seed int64
}

// SGD is a stochastic gradient descent solver over a Net. It implements
// parallel.Solver.
type SGD struct {
	rt        devices.Runtime
	net       Net
	opts      Options
	observers []parallel.StepObserver

	// applyUpdate is false for worker replicas: their updates come from the
	// root through the values broadcast.
	applyUpdate bool

	iter int
	seed int64
	loss float64
}

var _ parallel.Solver = (*SGD)(nil)

// NewSGD creates a solver that applies updates, the root replica's role.
// The observers are called around every step, in order.
//
// It panics if the runtime has no shared buffers: this reference solver does
// its update arithmetic on the host.
func NewSGD(rt devices.Runtime, net Net, opts Options, observers ...parallel.StepObserver) *SGD {
	if !rt.HasSharedBuffers() {
		exceptions.Panicf("train.SGD computes updates on the host and requires a runtime with shared buffers, %s has none", rt.Name())
	}
	if opts.LearningRate == 0 {
		opts.LearningRate = 0.01
	}
	return &SGD{
		rt:          rt,
		net:         net,
		opts:        opts,
		observers:   observers,
		applyUpdate: true,
		seed:        opts.Seed,
	}
}

// NewWorker creates a worker replica solver: same step loop as NewSGD, but
// updates are skipped.
func NewWorker(rt devices.Runtime, net Net, opts Options, observers ...parallel.StepObserver) *SGD {
	s := NewSGD(rt, net, opts, observers...)
	s.applyUpdate = false
	return s
}

// Params returns the net's tensors.
func (s *SGD) Params() []*parallel.Tensor { return s.net.Params() }

// Net being trained.
func (s *SGD) Net() Net { return s.net }

// Iter is the current iteration count.
func (s *SGD) Iter() int { return s.iter }

// MaxIter is the iteration count the run finishes at.
func (s *SGD) MaxIter() int { return s.opts.MaxIter }

// Seed of the replica's data sampling, negative when unseeded.
func (s *SGD) Seed() int64 { return s.seed }

// SetSeed reseeds the replica's data sampling.
func (s *SGD) SetSeed(seed int64) {
	s.seed = seed
	if reseeder, ok := s.net.(Reseeder); ok {
		reseeder.Reseed(seed)
	}
}

// LastLoss is the loss of the last completed step.
func (s *SGD) LastLoss() float64 { return s.loss }

// Step runs n optimization steps.
//
// Each step clears the gradients, runs the BeforeStep observers, computes the
// net's gradients, runs the AfterGradients observers, and applies the update
// when this solver is allowed to. Observer errors abort the step and are
// returned as-is, so interruptions (parallel.ErrStopped) stay recognizable.
func (s *SGD) Step(n int) error {
	for ; n > 0; n-- {
		for _, t := range s.net.Params() {
			if !t.Installed() {
				return errors.Errorf("tensor %q is not installed into packed device storage", t.Name())
			}
			if err := s.rt.Zero(t.Grad()); err != nil {
				return errors.WithMessagef(err, "failed to clear gradient of tensor %q", t.Name())
			}
		}
		for _, observer := range s.observers {
			if err := observer.BeforeStep(); err != nil {
				return err
			}
		}
		loss, err := s.net.Backward(s.iter)
		if err != nil {
			return errors.WithMessagef(err, "backward pass failed at iteration %d", s.iter)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errors.Errorf("loss diverged to %v at iteration %d", loss, s.iter)
		}
		s.loss = loss
		for _, observer := range s.observers {
			if err := observer.AfterGradients(); err != nil {
				return err
			}
		}
		if s.applyUpdate {
			if err := s.update(); err != nil {
				return err
			}
		}
		s.iter++
		if klog.V(2).Enabled() {
			klog.Infof("iteration %d: loss=%.6f", s.iter, loss)
		}
	}
	return nil
}

// Solve steps from the current iteration to MaxIter.
func (s *SGD) Solve() error {
	if err := s.Step(s.opts.MaxIter - s.iter); err != nil {
		return err
	}
	klog.V(1).Infof("solved: iteration %d, loss=%.6f", s.iter, s.loss)
	return nil
}

// update applies w -= lr * grad to every tensor, on the host.
func (s *SGD) update() error {
	for _, t := range s.net.Params() {
		values, err := s.rt.BufferData(t.Value())
		if err != nil {
			return errors.WithMessagef(err, "cannot address values of tensor %q", t.Name())
		}
		grads, err := s.rt.BufferData(t.Grad())
		if err != nil {
			return errors.WithMessagef(err, "cannot address gradients of tensor %q", t.Name())
		}
		switch w := values.(type) {
		case []float32:
			lr := float32(s.opts.LearningRate)
			for i, g := range grads.([]float32) {
				w[i] -= lr * g
			}
		case []float64:
			for i, g := range grads.([]float64) {
				w[i] -= s.opts.LearningRate * g
			}
		case []float16.Float16:
			lr := float32(s.opts.LearningRate)
			for i, g := range grads.([]float16.Float16) {
				w[i] = float16.Fromfloat32(w[i].Float32() - lr*g.Float32())
			}
		default:
			return errors.Errorf("unsupported storage type %T for tensor %q", values, t.Name())
		}
	}
	return nil
}
