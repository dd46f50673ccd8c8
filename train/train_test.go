package train

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/devices/hostmem"
	"github.com/gomlx/treesync/parallel"
	"github.com/gomlx/treesync/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// constGradNet is a trivial Net whose backward pass adds the same constant to
// every gradient element, making update arithmetic exactly checkable.
type constGradNet struct {
	rt devices.Runtime
	w  *parallel.Tensor

	grad     float32
	loss     float64
	err      error
	calls    int
	reseeded []int64
}

func newConstGradNet(rt devices.Runtime, w *parallel.Tensor, grad float32, loss float64) *constGradNet {
	return &constGradNet{rt: rt, w: w, grad: grad, loss: loss}
}

func (c *constGradNet) Params() []*parallel.Tensor { return []*parallel.Tensor{c.w} }

func (c *constGradNet) Reseed(seed int64) { c.reseeded = append(c.reseeded, seed) }

func (c *constGradNet) Backward(_ int) (float64, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	flat, err := c.rt.BufferData(c.w.Grad())
	if err != nil {
		return 0, err
	}
	switch g := flat.(type) {
	case []float32:
		for i := range g {
			g[i] += c.grad
		}
	case []float64:
		for i := range g {
			g[i] += float64(c.grad)
		}
	case []float16.Float16:
		for i := range g {
			g[i] = float16.Fromfloat32(g[i].Float32() + c.grad)
		}
	default:
		return 0, errors.Errorf("unsupported storage type %T", flat)
	}
	return c.loss, nil
}

// recordingObserver logs its calls into a shared event trace.
type recordingObserver struct {
	events    *[]string
	name      string
	beforeErr error
	afterErr  error
}

func (r *recordingObserver) BeforeStep() error {
	*r.events = append(*r.events, r.name+".before")
	return r.beforeErr
}

func (r *recordingObserver) AfterGradients() error {
	*r.events = append(*r.events, r.name+".after")
	return r.afterErr
}

// installNet packs a net's tensors on device 0 and installs them.
func installNet(t *testing.T, rt devices.Runtime, net Net) *parallel.DeviceParams {
	t.Helper()
	dp, err := parallel.NewDeviceParams(rt, 0, net.Params())
	require.NoError(t, err)
	require.NoError(t, dp.Install(net.Params()))
	return dp
}

func newTestRuntime(t *testing.T, nDevices int) *hostmem.Runtime {
	t.Helper()
	rt, err := hostmem.NewWithOptions(hostmem.Options{Devices: nDevices, AllPeers: true})
	require.NoError(t, err)
	t.Cleanup(rt.Finalize)
	return rt
}

func TestSGDStep(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1, 2, 3}, 3), 2, 0.5)
	sgd := NewSGD(rt, net, Options{LearningRate: 0.1, MaxIter: 10})
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	require.NoError(t, sgd.Step(3))
	assert.Equal(t, 3, sgd.Iter())
	assert.Equal(t, 3, net.calls)
	assert.Equal(t, 0.5, sgd.LastLoss())

	// Each step applies w -= 0.1 * 2.
	w, err := rt.BufferData(net.w.Value())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.4, 1.4, 2.4}, w.([]float32), 1e-5)

	// Gradients are cleared at the start of each step, not after the last.
	g, err := rt.BufferData(net.w.Grad())
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2}, g.([]float32))
}

func TestWorkerSkipsUpdate(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1, 2, 3}, 3), 2, 0.5)
	worker := NewWorker(rt, net, Options{LearningRate: 0.1, MaxIter: 10})
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	require.NoError(t, worker.Step(4))
	assert.Equal(t, 4, worker.Iter())
	assert.Equal(t, 0.5, worker.LastLoss())

	w, err := rt.BufferData(net.w.Value())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, w.([]float32), "worker replicas never update values")
}

func TestSGDUpdateDTypes(t *testing.T) {
	// One step with lr=0.5 and grad=2 subtracts exactly 1 in every dtype.
	t.Run("float32", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{3, 4}, 2), 2, 0)
		sgd := NewSGD(rt, net, Options{LearningRate: 0.5, MaxIter: 1})
		dp := installNet(t, rt, net)
		defer dp.Finalize()
		require.NoError(t, sgd.Solve())
		w, err := rt.BufferData(net.w.Value())
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 3}, w.([]float32))
	})
	t.Run("float64", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float64{3, 4}, 2), 2, 0)
		sgd := NewSGD(rt, net, Options{LearningRate: 0.5, MaxIter: 1})
		dp := installNet(t, rt, net)
		defer dp.Finalize()
		require.NoError(t, sgd.Solve())
		w, err := rt.BufferData(net.w.Value())
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 3}, w.([]float64))
	})
	t.Run("float16", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		flat := []float16.Float16{float16.Fromfloat32(3), float16.Fromfloat32(4)}
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", flat, 2), 2, 0)
		sgd := NewSGD(rt, net, Options{LearningRate: 0.5, MaxIter: 1})
		dp := installNet(t, rt, net)
		defer dp.Finalize()
		require.NoError(t, sgd.Solve())
		w, err := rt.BufferData(net.w.Value())
		require.NoError(t, err)
		got := w.([]float16.Float16)
		require.Len(t, got, 2)
		assert.Equal(t, float32(2), got[0].Float32())
		assert.Equal(t, float32(3), got[1].Float32())
	})
}

func TestSGDDefaultLearningRate(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
	sgd := NewSGD(rt, net, Options{MaxIter: 1})
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	require.NoError(t, sgd.Solve())
	w, err := rt.BufferData(net.w.Value())
	require.NoError(t, err)
	assert.InDelta(t, 0.99, w.([]float32)[0], 1e-6, "default learning rate is 0.01")
}

func TestSGDSolveIsIdempotentAtMaxIter(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
	sgd := NewSGD(rt, net, Options{LearningRate: 0.1, MaxIter: 5})
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	require.NoError(t, sgd.Solve())
	assert.Equal(t, 5, sgd.Iter())
	require.NoError(t, sgd.Solve())
	assert.Equal(t, 5, sgd.Iter())
	assert.Equal(t, 5, net.calls)
}

func TestSGDErrors(t *testing.T) {
	t.Run("not installed", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
		sgd := NewSGD(rt, net, Options{MaxIter: 1})
		err := sgd.Step(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not installed")
	})
	t.Run("backward failure", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
		net.err = errors.New("synthetic backward failure")
		sgd := NewSGD(rt, net, Options{MaxIter: 1})
		dp := installNet(t, rt, net)
		defer dp.Finalize()
		err := sgd.Step(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backward pass failed")
		assert.Contains(t, err.Error(), "synthetic backward failure")
	})
	t.Run("diverged loss", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, math.NaN())
		sgd := NewSGD(rt, net, Options{MaxIter: 1})
		dp := installNet(t, rt, net)
		defer dp.Finalize()
		err := sgd.Step(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loss diverged")
	})
	t.Run("no shared buffers", func(t *testing.T) {
		rt := newTestRuntime(t, 1)
		net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
		require.Panics(t, func() {
			NewSGD(noSharedBuffers{rt}, net, Options{MaxIter: 1})
		})
	})
}

// noSharedBuffers masks hostmem's host-addressable storage.
type noSharedBuffers struct{ *hostmem.Runtime }

func (noSharedBuffers) HasSharedBuffers() bool { return false }

func TestSGDObservers(t *testing.T) {
	rt := newTestRuntime(t, 1)
	var events []string
	a := &recordingObserver{events: &events, name: "a"}
	b := &recordingObserver{events: &events, name: "b"}
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
	sgd := NewSGD(rt, net, Options{MaxIter: 2}, a, b)
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	require.NoError(t, sgd.Step(1))
	assert.Equal(t, []string{"a.before", "b.before", "a.after", "b.after"}, events)

	// Observer errors abort the step and come back as-is, so an interruption
	// stays recognizable.
	a.beforeErr = parallel.ErrStopped
	err := sgd.Step(1)
	assert.True(t, errors.Is(err, parallel.ErrStopped))
	assert.Equal(t, 1, sgd.Iter(), "the aborted step does not count")

	a.beforeErr = nil
	b.afterErr = errors.New("synthetic observer failure")
	err = sgd.Step(1)
	require.Error(t, err)
	assert.Equal(t, "synthetic observer failure", err.Error())
}

func TestSGDSetSeedReseedsNet(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0)
	sgd := NewSGD(rt, net, Options{MaxIter: 1, Seed: 7})
	assert.Equal(t, int64(7), sgd.Seed())

	sgd.SetSeed(11)
	assert.Equal(t, int64(11), sgd.Seed())
	assert.Equal(t, []int64{11}, net.reseeded)
}

// runTreeOrTimeout guards synchronized runs against protocol deadlocks.
func runTreeOrTimeout(t *testing.T, tree *parallel.Tree) {
	t.Helper()
	var err error
	done := xsync.NewLatch()
	go func() {
		err = tree.Run()
		done.Trigger()
	}()
	select {
	case <-done.WaitChan():
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("Timeout waiting for the synchronized run.")
	}
}

func TestSynchronizedConstGradient(t *testing.T) {
	rt := newTestRuntime(t, 2)
	opts := Options{LearningRate: 1, MaxIter: 4, Seed: -1}
	nets := make(map[devices.DeviceNum]*constGradNet)
	factory := func(dev devices.DeviceNum, root bool, obs parallel.StepObserver) (parallel.Solver, error) {
		w := parallel.NewTensorFromFlat("w", []float32{1, 2, 3}, 3)
		net := newConstGradNet(rt, w, float32(dev+1), 0.5)
		nets[dev] = net
		if root {
			return NewSGD(rt, net, opts, obs), nil
		}
		return NewWorker(rt, net, opts, obs), nil
	}

	tree, err := parallel.Prepare(rt, parallel.Config{Devices: []devices.DeviceNum{0, 1}, NewSolver: factory})
	require.NoError(t, err)
	defer tree.Finalize()
	runTreeOrTimeout(t, tree)

	// Per step the root sees (1+2)/2 = 1.5 as averaged gradient and, with
	// lr=1, subtracts it from every weight. Four steps subtract 6; the worker
	// keeps the values of the last broadcast, one update behind.
	read := func(net *constGradNet) []float32 {
		flat, err := rt.BufferData(net.w.Value())
		require.NoError(t, err)
		return flat.([]float32)
	}
	assert.Equal(t, []float32{-5, -4, -3}, read(nets[0]))
	assert.Equal(t, []float32{-3.5, -2.5, -1.5}, read(nets[1]))
	assert.Equal(t, 4, nets[0].calls)
	assert.Equal(t, 4, nets[1].calls)
}

func TestSynchronizedRunWrapper(t *testing.T) {
	rt := newTestRuntime(t, 3)
	opts := Options{MaxIter: 2, Seed: -1}
	solvers := make(map[devices.DeviceNum]*SGD)
	err := parallel.Run(rt, parallel.Config{
		Devices: []devices.DeviceNum{0, 1, 2},
		NewSolver: func(dev devices.DeviceNum, root bool, obs parallel.StepObserver) (parallel.Solver, error) {
			net := newConstGradNet(rt, parallel.NewTensorFromFlat("w", []float32{1}, 1), 1, 0.25)
			s := NewSGD(rt, net, opts, obs)
			if !root {
				s = NewWorker(rt, net, opts, obs)
			}
			solvers[dev] = s
			return s, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, solvers, 3)
	for dev, s := range solvers {
		assert.Equal(t, 2, s.Iter(), "device %d", dev)
		assert.Equal(t, 0.25, s.LastLoss(), "device %d", dev)
	}
}

func TestLinearNetConverges(t *testing.T) {
	rt := newTestRuntime(t, 1)
	net := NewLinearNet(rt, 3, 256, 32, 17)
	sgd := NewSGD(rt, net, Options{LearningRate: 0.1, MaxIter: 300, Seed: 1})
	dp := installNet(t, rt, net)
	defer dp.Finalize()

	before, err := net.FullLoss()
	require.NoError(t, err)
	require.NoError(t, sgd.Solve())
	after, err := net.FullLoss()
	require.NoError(t, err)

	assert.Less(t, after, before, "training must improve the full-dataset loss")
	assert.Less(t, after, 1e-3)
}

func TestLinearNetSynchronized(t *testing.T) {
	rt := newTestRuntime(t, 4)
	const dataSeed = 17
	opts := Options{LearningRate: 0.1, MaxIter: 400, Seed: 5}
	nets := make(map[devices.DeviceNum]*LinearNet)
	factory := func(dev devices.DeviceNum, root bool, obs parallel.StepObserver) (parallel.Solver, error) {
		// Every replica holds an identical dataset; the tree reseeds each
		// worker's sampling stream so they draw different minibatches.
		net := NewLinearNet(rt, 3, 256, 32, dataSeed)
		nets[dev] = net
		if root {
			return NewSGD(rt, net, opts, obs), nil
		}
		return NewWorker(rt, net, opts, obs), nil
	}

	tree, err := parallel.Prepare(rt, parallel.Config{
		Devices:   []devices.DeviceNum{0, 1, 2, 3},
		NewSolver: factory,
	})
	require.NoError(t, err)
	defer tree.Finalize()
	runTreeOrTimeout(t, tree)

	rootNet := nets[tree.Root().Device()]
	loss, err := rootNet.FullLoss()
	require.NoError(t, err)
	assert.Less(t, loss, 1e-3)

	trueW, trueB := rootNet.TrueWeights()
	w, err := rt.BufferData(rootNet.Params()[0].Value())
	require.NoError(t, err)
	b, err := rt.BufferData(rootNet.Params()[1].Value())
	require.NoError(t, err)
	for j, want := range trueW {
		assert.InDelta(t, want, w.([]float32)[j], 0.05, "weight %d", j)
	}
	assert.InDelta(t, trueB, b.([]float32)[0], 0.05, "bias")

	// Workers hold the last broadcast values, at most one update behind.
	for dev, net := range nets {
		loss, err := net.FullLoss()
		require.NoError(t, err)
		assert.Less(t, loss, 1e-2, "device %d", dev)
	}
}

func TestNewLinearNetValidation(t *testing.T) {
	rt := newTestRuntime(t, 1)
	require.Panics(t, func() { NewLinearNet(rt, 0, 10, 1, 1) })
	require.Panics(t, func() { NewLinearNet(rt, 1, 0, 1, 1) })
	require.Panics(t, func() { NewLinearNet(rt, 1, 10, 11, 1) })
	require.Panics(t, func() { NewLinearNet(rt, 1, 10, 0, 1) })
}
