// Package hostmem implements a host-memory device runtime for treesync.
//
// It simulates a machine with N accelerator devices using plain Go slices as
// device memory, which makes multi-device synchronization testable on any
// machine: no driver, no hardware. The simulated topology (boards, peer
// links, per-device memory, copy latency) is configurable, so pairing and
// reduction behave as they would on a real multi-board box.
package hostmem

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/treesync/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeName to be used in TREESYNC_DEVICES to specify this runtime.
const RuntimeName = "hostmem"

// Registers New() as the default constructor for the "hostmem" runtime.
func init() {
	devices.Register(RuntimeName, New)
}

// New constructs a hostmem Runtime from a configuration string.
//
// The configuration is either empty (2 fully connected devices), a device
// count ("8", all peers connected), or the path of a YAML topology file (see
// LoadTopology). It panics on an invalid configuration, as runtime
// constructors are expected to.
func New(config string) devices.Runtime {
	opts := DefaultOptions()
	if config != "" {
		if n, err := strconv.Atoi(config); err == nil {
			opts.Devices = n
		} else {
			var err error
			opts, err = LoadTopology(config)
			if err != nil {
				exceptions.Panicf("hostmem: %+v", err)
			}
		}
	}
	r, err := NewWithOptions(opts)
	if err != nil {
		exceptions.Panicf("hostmem: %+v", err)
	}
	return r
}

// NewWithOptions constructs a hostmem Runtime with the given topology.
func NewWithOptions(opts Options) (*Runtime, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &Runtime{
		opts:        opts,
		boards:      opts.boardIDs(),
		peers:       opts.peerMatrix(),
		peerEnabled: make(map[[2]devices.DeviceNum]bool),
		allocated:   make([]uint64, opts.Devices),
		rng:         rand.New(rand.NewSource(seed)),
	}
	klog.V(1).Infof("hostmem: %d device(s), %d board(s), %d extra peer link(s), all_peers=%v",
		opts.Devices, len(opts.Boards), len(opts.PeerLinks), opts.AllPeers)
	return r, nil
}

// Runtime implements the devices.Runtime interface on host memory.
type Runtime struct {
	opts   Options
	boards []int
	peers  [][]bool

	mu          sync.Mutex
	peerEnabled map[[2]devices.DeviceNum]bool
	allocated   []uint64
	finalized   bool

	// stagedCopies counts cross-device copies that had no direct peer access
	// and went through the staged fallback path.
	stagedCopies atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Compile-time check that hostmem.Runtime implements devices.Runtime.
var _ devices.Runtime = &Runtime{}

// Name returns the short name of the runtime.
func (r *Runtime) Name() string {
	return RuntimeName
}

// String implements devices.Runtime.
func (r *Runtime) String() string { return RuntimeName }

// Description is a longer description of the Runtime that can be used to pretty-print.
func (r *Runtime) Description() string {
	return fmt.Sprintf("Host-memory runtime simulating %d device(s)", r.opts.Devices)
}

// NumDevices returns the number of simulated devices.
func (r *Runtime) NumDevices() devices.DeviceNum {
	return devices.DeviceNum(r.opts.Devices)
}

// Properties returns the static properties of the given device.
func (r *Runtime) Properties(dev devices.DeviceNum) (devices.DeviceProperties, error) {
	if err := r.checkDev(dev); err != nil {
		return devices.DeviceProperties{}, err
	}
	return devices.DeviceProperties{
		Name:        fmt.Sprintf("%s:%d", RuntimeName, dev),
		BoardID:     r.boards[dev],
		MemoryBytes: r.opts.MemoryBytesPerDevice,
	}, nil
}

// CanAccessPeer reports whether dev has a direct link to peer.
func (r *Runtime) CanAccessPeer(dev, peer devices.DeviceNum) (bool, error) {
	if err := r.checkDev(dev); err != nil {
		return false, err
	}
	if err := r.checkDev(peer); err != nil {
		return false, err
	}
	if dev == peer {
		return false, nil
	}
	return r.peers[dev][peer], nil
}

// EnablePeerAccess enables direct access from dev to memory on peer.
func (r *Runtime) EnablePeerAccess(dev, peer devices.DeviceNum) error {
	can, err := r.CanAccessPeer(dev, peer)
	if err != nil {
		return err
	}
	if !can {
		return errors.Errorf("device %d cannot access peer %d directly", dev, peer)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]devices.DeviceNum{dev, peer}
	if r.peerEnabled[key] {
		return errors.Errorf("peer access from device %d to device %d is already enabled", dev, peer)
	}
	r.peerEnabled[key] = true
	return nil
}

// DisablePeerAccess undoes EnablePeerAccess.
func (r *Runtime) DisablePeerAccess(dev, peer devices.DeviceNum) error {
	if err := r.checkDev(dev); err != nil {
		return err
	}
	if err := r.checkDev(peer); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]devices.DeviceNum{dev, peer}
	if !r.peerEnabled[key] {
		return errors.Errorf("peer access from device %d to device %d is not enabled", dev, peer)
	}
	delete(r.peerEnabled, key)
	return nil
}

// HasSharedBuffers is true: hostmem buffers are host memory.
func (r *Runtime) HasSharedBuffers() bool {
	return true
}

// StagedCopies returns how many cross-device copies went through the staged
// fallback because the devices had no direct peer link.
func (r *Runtime) StagedCopies() int64 {
	return r.stagedCopies.Load()
}

// AllocatedBytes returns the bytes currently allocated on the given device.
func (r *Runtime) AllocatedBytes(dev devices.DeviceNum) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev < 0 || int(dev) >= len(r.allocated) {
		return 0
	}
	return r.allocated[dev]
}

// Finalize releases all the associated resources immediately, and makes the runtime invalid.
func (r *Runtime) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	for dev, used := range r.allocated {
		if used > 0 {
			klog.V(1).Infof("hostmem: device %d finalized with %s still allocated", dev, humanize.Bytes(used))
		}
	}
}

func (r *Runtime) checkDev(dev devices.DeviceNum) error {
	if dev < 0 || dev >= r.NumDevices() {
		return errors.Errorf("invalid device number %d, hostmem has %d device(s)", dev, r.NumDevices())
	}
	return nil
}

func (r *Runtime) checkAlive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("hostmem runtime is finalized")
	}
	return nil
}
