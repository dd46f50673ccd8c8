package hostmem

import (
	"github.com/gomlx/treesync/devices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// zeroFlat clears a flat slice of any supported dtype.
func zeroFlat(flat any) {
	switch s := flat.(type) {
	case []float32:
		clear(s)
	case []float64:
		clear(s)
	case []float16.Float16:
		clear(s)
	}
}

// Axpy computes y = alpha*x + y element-wise.
//
// Float16 values are widened to float32 for the multiply-add and rounded back,
// the same contraction accelerators apply for half-precision accumulation.
func (r *Runtime) Axpy(alpha float64, x, y devices.Buffer) error {
	bx, err := r.checkBuffer(x)
	if err != nil {
		return err
	}
	by, err := r.checkBuffer(y)
	if err != nil {
		return err
	}
	if bx.dev != by.dev {
		return errors.Errorf("axpy requires buffers on the same device, got devices %d and %d", bx.dev, by.dev)
	}
	if bx.dtype != by.dtype || bx.size != by.size {
		return errors.Errorf("axpy requires matching buffers, got %s[%d] and %s[%d]",
			bx.dtype, bx.size, by.dtype, by.size)
	}
	switch xs := bx.flat.(type) {
	case []float32:
		ys := by.flat.([]float32)
		a := float32(alpha)
		for i, v := range xs {
			ys[i] += a * v
		}
	case []float64:
		ys := by.flat.([]float64)
		for i, v := range xs {
			ys[i] += alpha * v
		}
	case []float16.Float16:
		ys := by.flat.([]float16.Float16)
		a := float32(alpha)
		for i, v := range xs {
			ys[i] = float16.Fromfloat32(a*v.Float32() + ys[i].Float32())
		}
	}
	return nil
}

// Scal computes buf = alpha*buf element-wise.
func (r *Runtime) Scal(alpha float64, buf devices.Buffer) error {
	b, err := r.checkBuffer(buf)
	if err != nil {
		return err
	}
	switch s := b.flat.(type) {
	case []float32:
		a := float32(alpha)
		for i := range s {
			s[i] *= a
		}
	case []float64:
		for i := range s {
			s[i] *= alpha
		}
	case []float16.Float16:
		a := float32(alpha)
		for i, v := range s {
			s[i] = float16.Fromfloat32(a * v.Float32())
		}
	}
	return nil
}
