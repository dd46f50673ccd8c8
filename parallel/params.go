package parallel

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/treesync/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Params is the packed layout of a model's tensors: every tensor value at a
// fixed offset of one contiguous values region, every gradient at the same
// offset of an equally sized gradients region.
//
// The layout is computed once from the root replica's tensors and shared by
// every replica, which is what makes whole-model broadcasts and reductions
// single buffer operations.
type Params struct {
	dtype     dtypes.DType
	offsets   []int
	sizes     []int
	totalSize int
}

// NewParams computes the packed layout of the given tensors.
//
// All tensors must share one dtype. The total size is the sum of the tensor
// sizes with a minimum of one element, so degenerate models still get a valid
// allocation.
func NewParams(tensors []*Tensor) (*Params, error) {
	p := &Params{
		dtype:   dtypes.Float32,
		offsets: make([]int, len(tensors)),
		sizes:   make([]int, len(tensors)),
	}
	for i, t := range tensors {
		if i == 0 {
			p.dtype = t.dtype
		} else if t.dtype != p.dtype {
			return nil, errors.Errorf("tensors must share one dtype, got %s for %q after %s",
				t.dtype, t.name, p.dtype)
		}
		p.offsets[i] = p.totalSize
		p.sizes[i] = t.size
		p.totalSize += t.size
	}
	// Size has a minimum of one so even an empty model owns a valid buffer.
	if p.totalSize == 0 {
		p.totalSize = 1
	}
	return p, nil
}

// DType shared by every tensor of the layout.
func (p *Params) DType() dtypes.DType { return p.dtype }

// NumTensors of the layout.
func (p *Params) NumTensors() int { return len(p.offsets) }

// Offset of tensor i inside the packed regions.
func (p *Params) Offset(i int) int { return p.offsets[i] }

// Size of tensor i.
func (p *Params) Size(i int) int { return p.sizes[i] }

// TotalSize of each packed region, in elements.
func (p *Params) TotalSize() int { return p.totalSize }

// compatible checks that tensors match the layout positionally.
func (p *Params) compatible(tensors []*Tensor) error {
	if len(tensors) != len(p.offsets) {
		return errors.Errorf("layout has %d tensor(s), got %d", len(p.offsets), len(tensors))
	}
	for i, t := range tensors {
		if t.dtype != p.dtype {
			return errors.Errorf("tensor #%d (%q) has dtype %s, layout expects %s", i, t.name, t.dtype, p.dtype)
		}
		if t.size != p.sizes[i] {
			return errors.Errorf("tensor #%d (%q) has %d element(s), layout expects %d", i, t.name, t.size, p.sizes[i])
		}
	}
	return nil
}

// DeviceParams owns one replica's packed values and gradients buffers on one
// device.
//
// It is created from the root replica's tensors, seeding the values region
// with their host initial values, and then installed into a replica's own
// tensors: after Install each tensor's Value and Grad alias the packed
// regions and individual parameter storage is gone.
type DeviceParams struct {
	rt     devices.Runtime
	dev    devices.DeviceNum
	layout *Params

	values, grads devices.Buffer
	finalized     bool
}

// NewDeviceParams allocates packed storage on the given device, sized by the
// root tensors and seeded with their initial values. The gradients region
// starts zeroed.
func NewDeviceParams(rt devices.Runtime, dev devices.DeviceNum, rootTensors []*Tensor) (dp *DeviceParams, err error) {
	layout, err := NewParams(rootTensors)
	if err != nil {
		return nil, err
	}
	dp = &DeviceParams{rt: rt, dev: dev, layout: layout}
	defer func() {
		if err != nil {
			dp.Finalize()
		}
	}()

	dp.values, err = rt.AllocBuffer(dev, layout.dtype, layout.totalSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate packed values on device %d", dev)
	}
	for i, t := range rootTensors {
		if t.size == 0 || t.initial == nil {
			continue
		}
		view, err := rt.Slice(dp.values, layout.offsets[i], t.size)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to address tensor %q inside packed values", t.name)
		}
		if err := rt.CopyFlatToBuffer(t.initial, view); err != nil {
			return nil, errors.WithMessagef(err, "failed to seed tensor %q on device %d", t.name, dev)
		}
	}

	dp.grads, err = rt.AllocBuffer(dev, layout.dtype, layout.totalSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate packed gradients on device %d", dev)
	}
	if err = rt.Zero(dp.grads); err != nil {
		return nil, errors.WithMessagef(err, "failed to clear packed gradients on device %d", dev)
	}

	if klog.V(1).Enabled() {
		bytes := uint64(layout.totalSize) * uint64(layout.dtype.Size())
		klog.Infof("device %d: packed %d tensor(s) into 2 x %s (%s each)",
			dev, layout.NumTensors(), humanize.Bytes(bytes), layout.dtype)
	}
	return dp, nil
}

// Install redirects the tensors' storage into the packed buffers, positionally
// by the layout. The tensors must match the layout in count, dtype and sizes.
func (dp *DeviceParams) Install(tensors []*Tensor) error {
	if err := dp.layout.compatible(tensors); err != nil {
		return errors.WithMessagef(err, "cannot install tensors into packed storage of device %d", dp.dev)
	}
	for i, t := range tensors {
		value, err := dp.rt.Slice(dp.values, dp.layout.offsets[i], t.size)
		if err != nil {
			return errors.WithMessagef(err, "failed to create value view for tensor %q", t.name)
		}
		grad, err := dp.rt.Slice(dp.grads, dp.layout.offsets[i], t.size)
		if err != nil {
			return errors.WithMessagef(err, "failed to create gradient view for tensor %q", t.name)
		}
		t.setBuffers(value, grad)
	}
	return nil
}

// Device the packed buffers reside on.
func (dp *DeviceParams) Device() devices.DeviceNum { return dp.dev }

// Layout of the packed buffers.
func (dp *DeviceParams) Layout() *Params { return dp.layout }

// Values is the packed values buffer.
func (dp *DeviceParams) Values() devices.Buffer { return dp.values }

// Grads is the packed gradients buffer.
func (dp *DeviceParams) Grads() devices.Buffer { return dp.grads }

// Finalize releases the packed buffers. It is idempotent. Tensor views into
// the released buffers become invalid with them.
func (dp *DeviceParams) Finalize() {
	if dp.finalized {
		return
	}
	dp.finalized = true
	if dp.grads != nil {
		if err := dp.rt.BufferFinalize(dp.grads); err != nil {
			klog.Warningf("failed to release packed gradients of device %d: %+v", dp.dev, err)
		}
		dp.grads = nil
	}
	if dp.values != nil {
		if err := dp.rt.BufferFinalize(dp.values); err != nil {
			klog.Warningf("failed to release packed values of device %d: %+v", dp.dev, err)
		}
		dp.values = nil
	}
}
