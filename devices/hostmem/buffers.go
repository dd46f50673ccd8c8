package hostmem

import (
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/treesync/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer for the hostmem runtime holds a flat Go slice as its device storage.
//
// A view buffer aliases a range of its owner's storage: it shares the backing
// array, is not accounted against device memory and cannot be finalized on
// its own.
type Buffer struct {
	dev   devices.DeviceNum
	dtype dtypes.DType
	size  int
	valid bool
	view  bool

	// flat is always a slice of the dtype's Go type.
	flat any

	// bytes accounted against the device, 0 for views.
	bytes uint64
}

// supportedDTypes are the element types hostmem implements kernels for.
// They are the types parameters and gradients come in.
var supportedDTypes = map[dtypes.DType]bool{
	dtypes.Float32: true,
	dtypes.Float64: true,
	dtypes.Float16: true,
}

// AllocBuffer allocates an uninitialized buffer of size elements on the given device.
func (r *Runtime) AllocBuffer(dev devices.DeviceNum, dtype dtypes.DType, size int) (devices.Buffer, error) {
	if err := r.checkAlive(); err != nil {
		return nil, err
	}
	if err := r.checkDev(dev); err != nil {
		return nil, err
	}
	if !supportedDTypes[dtype] {
		return nil, errors.Errorf("hostmem does not support buffers of dtype %s", dtype)
	}
	if size <= 0 {
		return nil, errors.Errorf("buffer size must be positive, got %d", size)
	}

	bytes := uint64(size) * uint64(dtype.Size())
	r.mu.Lock()
	if limit := r.opts.MemoryBytesPerDevice; limit > 0 && r.allocated[dev]+bytes > limit {
		used := r.allocated[dev]
		r.mu.Unlock()
		return nil, errors.Errorf("out of memory on device %d: requested %s, %s of %s in use",
			dev, humanize.Bytes(bytes), humanize.Bytes(used), humanize.Bytes(limit))
	}
	r.allocated[dev] += bytes
	r.mu.Unlock()

	if klog.V(2).Enabled() {
		klog.Infof("hostmem: device %d allocating %s (%d x %s)", dev, humanize.Bytes(bytes), size, dtype)
	}
	return &Buffer{
		dev:   dev,
		dtype: dtype,
		size:  size,
		valid: true,
		flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface(),
		bytes: bytes,
	}, nil
}

// BufferFinalize releases a buffer allocated with AllocBuffer.
func (r *Runtime) BufferFinalize(buf devices.Buffer) error {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return err
	}
	if b.view {
		return errors.New("cannot finalize a view, it is released with its owning buffer")
	}
	r.mu.Lock()
	r.allocated[b.dev] -= b.bytes
	r.mu.Unlock()
	b.valid = false
	b.flat = nil
	return nil
}

// BufferDType returns the element type of the buffer.
func (r *Runtime) BufferDType(buf devices.Buffer) (dtypes.DType, error) {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return b.dtype, nil
}

// BufferSize returns the number of elements of the buffer.
func (r *Runtime) BufferSize(buf devices.Buffer) (int, error) {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return 0, err
	}
	return b.size, nil
}

// BufferDeviceNum returns the device the buffer resides on.
func (r *Runtime) BufferDeviceNum(buf devices.Buffer) (devices.DeviceNum, error) {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return devices.NoDevice, err
	}
	return b.dev, nil
}

// Slice returns a view of size elements of buf starting at offset.
func (r *Runtime) Slice(buf devices.Buffer, offset, size int) (devices.Buffer, error) {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, errors.Errorf("slice [%d:%d] out of range of buffer with %d elements",
			offset, offset+size, b.size)
	}
	flat := reflect.ValueOf(b.flat).Slice(offset, offset+size).Interface()
	return &Buffer{
		dev:   b.dev,
		dtype: b.dtype,
		size:  size,
		valid: true,
		view:  true,
		flat:  flat,
	}, nil
}

// Zero sets every element of the buffer to zero.
func (r *Runtime) Zero(buf devices.Buffer) error {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return err
	}
	zeroFlat(b.flat)
	return nil
}

// CopyFlatToBuffer copies a flat Go slice into the buffer.
func (r *Runtime) CopyFlatToBuffer(flat any, buf devices.Buffer) error {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return err
	}
	if err := b.checkFlat(flat); err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(b.flat), reflect.ValueOf(flat))
	return nil
}

// CopyBufferToFlat copies the buffer contents into a flat Go slice.
func (r *Runtime) CopyBufferToFlat(buf devices.Buffer, flat any) error {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return err
	}
	if err := b.checkFlat(flat); err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(flat), reflect.ValueOf(b.flat))
	return nil
}

// BufferData returns the flat slice backing the buffer. Hostmem buffers are
// shared with the host, so mutations through the returned slice are seen by
// every view of the same storage.
func (r *Runtime) BufferData(buf devices.Buffer) (any, error) {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return nil, err
	}
	return b.flat, nil
}

// checkBuffer validates that buf is a live hostmem buffer.
func (r *Runtime) checkBuffer(buf devices.Buffer) (*Buffer, error) {
	if buf == nil {
		return nil, errors.New("buffer is nil")
	}
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is a %T, not a hostmem buffer", buf)
	}
	if !b.valid {
		return nil, errors.New("buffer has already been finalized")
	}
	return b, nil
}

// checkFlat validates that flat is a slice matching the buffer's dtype and size.
func (b *Buffer) checkFlat(flat any) error {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return errors.Errorf("flat data must be a slice, got %T", flat)
	}
	if dtype := dtypes.FromGoType(flatType.Elem()); dtype != b.dtype {
		return errors.Errorf("flat data is %T, buffer expects dtype %s", flat, b.dtype)
	}
	if got := reflect.ValueOf(flat).Len(); got != b.size {
		return errors.Errorf("flat data has %d elements, buffer has %d", got, b.size)
	}
	return nil
}
