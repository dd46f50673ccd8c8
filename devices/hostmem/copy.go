package hostmem

import (
	"reflect"
	"time"

	"github.com/gomlx/treesync/devices"
	"github.com/gomlx/treesync/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CopyBufferAsync starts copying src into dst and returns the completion event.
//
// The copy is direct when both buffers live on the same device or when peer
// access has been enabled between the two devices in either direction.
// Otherwise it falls back to a staged copy through the host, which is counted
// in StagedCopies, the same fallback a driver applies when peer mappings are
// missing.
//
// The copy happens on a background goroutine after the configured CopyDelay
// and CopyJitter, so callers observe real asynchrony between issuing a copy
// and its completion event.
func (r *Runtime) CopyBufferAsync(dst, src devices.Buffer) (devices.Event, error) {
	bDst, err := r.checkBuffer(dst)
	if err != nil {
		return nil, err
	}
	bSrc, err := r.checkBuffer(src)
	if err != nil {
		return nil, err
	}
	if bDst.dtype != bSrc.dtype || bDst.size != bSrc.size {
		return nil, errors.Errorf("copy requires matching buffers, got dst %s[%d] and src %s[%d]",
			bDst.dtype, bDst.size, bSrc.dtype, bSrc.size)
	}

	if bDst.dev != bSrc.dev && !r.directPath(bDst.dev, bSrc.dev) {
		r.stagedCopies.Add(1)
		if klog.V(2).Enabled() {
			klog.Infof("hostmem: no peer mapping between devices %d and %d, staging copy through host",
				bSrc.dev, bDst.dev)
		}
	}

	event := xsync.NewLatchWithValue[error]()
	go func() {
		if delay := r.copyDelay(); delay > 0 {
			time.Sleep(delay)
		}
		reflect.Copy(reflect.ValueOf(bDst.flat), reflect.ValueOf(bSrc.flat))
		event.Trigger(nil)
	}()
	return event, nil
}

// directPath reports whether a peer mapping is enabled between the two
// devices, in either direction.
func (r *Runtime) directPath(a, b devices.DeviceNum) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerEnabled[[2]devices.DeviceNum{a, b}] || r.peerEnabled[[2]devices.DeviceNum{b, a}]
}

// copyDelay returns the simulated latency of one copy.
func (r *Runtime) copyDelay() time.Duration {
	delay := r.opts.CopyDelay
	if r.opts.CopyJitter > 0 {
		r.rngMu.Lock()
		delay += time.Duration(r.rng.Int63n(int64(r.opts.CopyJitter) + 1))
		r.rngMu.Unlock()
	}
	return delay
}
