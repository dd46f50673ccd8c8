// Package devices defines the interface an accelerator runtime needs to implement
// to be used by treesync for multi-device synchronized training.
//
// The interface is deliberately small: flat typed buffers, synchronous and
// asynchronous copies, the two element-wise kernels gradient reduction needs
// (Axpy and Scal), and peer-access management between devices. Every operation
// names its device explicitly, there is no ambient "current device" state.
//
// The default runtime is the in-process host-memory one, registered by
// importing github.com/gomlx/treesync/devices/hostmem.
package devices

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DeviceNum identifies one device of a Runtime.
// It should be between 0 and Runtime.NumDevices.
type DeviceNum int

// NoDevice is the sentinel for "no device". It is used as the parent device of
// the synchronization tree root.
const NoDevice DeviceNum = -1

// Buffer represents a flat typed array resident on one device of a Runtime.
// It is opaque to treesync, only the Runtime that allocated it can interpret it.
type Buffer any

// Event is the completion handle of an asynchronous device operation.
type Event interface {
	// Wait blocks until the operation completes and returns its error, if any.
	Wait() error
}

// DeviceProperties describes one device of a Runtime.
type DeviceProperties struct {
	// Name of the device, e.g. "hostmem:0".
	Name string

	// BoardID groups devices that sit on the same physical board or module.
	// It is negative when the runtime has no board topology information, in
	// which case the locality pass of device pairing is skipped.
	BoardID int

	// MemoryBytes is the total device memory, or 0 when unlimited or unknown.
	MemoryBytes uint64
}

// Runtime is the API that needs to be implemented by a treesync device runtime.
//
// Buffers handed to Runtime methods must have been created by the same Runtime,
// otherwise the methods return an error.
type Runtime interface {
	// Name returns the short name of the runtime. E.g.: "hostmem".
	Name() string

	// Description is a longer description of the Runtime that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Runtime.
	NumDevices() DeviceNum

	// Properties returns the static properties of the given device.
	Properties(dev DeviceNum) (DeviceProperties, error)

	// AllocBuffer allocates an uninitialized buffer of size elements of the
	// given dtype on the given device.
	AllocBuffer(dev DeviceNum, dtype dtypes.DType, size int) (Buffer, error)

	// BufferFinalize releases a buffer allocated with AllocBuffer.
	// Views created with Slice are released with their owner and must not be finalized.
	BufferFinalize(buf Buffer) error

	// BufferDType returns the element type of the buffer.
	BufferDType(buf Buffer) (dtypes.DType, error)

	// BufferSize returns the number of elements of the buffer.
	BufferSize(buf Buffer) (int, error)

	// BufferDeviceNum returns the device the buffer resides on.
	BufferDeviceNum(buf Buffer) (DeviceNum, error)

	// Slice returns a view of size elements of buf starting at offset.
	// The view aliases the owner's storage: writes through either are seen by both.
	Slice(buf Buffer, offset, size int) (Buffer, error)

	// Zero sets every element of the buffer to zero.
	Zero(buf Buffer) error

	// CopyFlatToBuffer copies a flat Go slice (e.g. []float32) into the buffer.
	// The slice element type must match the buffer dtype and the lengths must match.
	CopyFlatToBuffer(flat any, buf Buffer) error

	// CopyBufferToFlat copies the buffer contents into a flat Go slice.
	CopyBufferToFlat(buf Buffer, flat any) error

	// CopyBufferAsync starts copying src into dst, possibly across devices, and
	// returns the completion event. dst and src must have the same dtype and size.
	// Runtimes fall back to a staged copy when the two devices cannot access
	// each other directly.
	CopyBufferAsync(dst, src Buffer) (Event, error)

	// Axpy computes y = alpha*x + y element-wise. Both buffers must be on the
	// same device, with the same dtype and size.
	Axpy(alpha float64, x, y Buffer) error

	// Scal computes buf = alpha*buf element-wise.
	Scal(alpha float64, buf Buffer) error

	// CanAccessPeer reports whether dev can directly access memory of peer.
	// It is false when dev == peer.
	CanAccessPeer(dev, peer DeviceNum) (bool, error)

	// EnablePeerAccess enables direct access from dev to memory on peer.
	// It fails if the devices cannot access each other or if access is already enabled.
	EnablePeerAccess(dev, peer DeviceNum) error

	// DisablePeerAccess undoes EnablePeerAccess.
	DisablePeerAccess(dev, peer DeviceNum) error

	// HasSharedBuffers reports whether buffers are directly addressable by the
	// host, in which case BufferData can be used to mutate them in place.
	HasSharedBuffers() bool

	// BufferData returns the flat slice backing the buffer (e.g. []float32).
	// It is only valid on runtimes where HasSharedBuffers is true.
	BufferData(buf Buffer) (flat any, err error)

	// Finalize releases all the associated resources immediately, and makes the runtime invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) Runtime

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register runtime with the given name, and a default constructor that takes as
// input a configuration string that is passed along to the runtime constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the runtime configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TREESYNC_DEVICES is the environment variable with the default runtime
// configuration to use.
//
// The format of config is "<runtime_name>:<runtime_configuration>".
// The "<runtime_name>" is the name of a registered runtime (e.g.: "hostmem")
// and "<runtime_configuration>" is runtime specific (e.g.: for the hostmem
// runtime, a device count or the path of a topology file).
const TREESYNC_DEVICES = "TREESYNC_DEVICES"

// New returns a new default Runtime.
//
// The default is:
//
// 1. The environment TREESYNC_DEVICES is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered runtime is used with an empty configuration.
//
// It panics if no runtime was registered.
func New() Runtime {
	config, found := os.LookupEnv(TREESYNC_DEVICES)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Runtime from a configuration string formatted as
// "<runtime_name>:<runtime_configuration>".
//
// The "<runtime_name>" is the name of a registered runtime (e.g.: "hostmem")
// and "<runtime_configuration>" is runtime specific.
func NewWithConfig(config string) Runtime {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered device runtimes for treesync -- maybe import the default one with import _ "github.com/gomlx/treesync/devices/hostmem"?`)
	}
	runtimeName := firstRegistered
	runtimeConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		runtimeName = config[:idx]
		runtimeConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[runtimeName]
	if !found {
		exceptions.Panicf("can't find device runtime %q for configuration %q given", runtimeName, config)
	}
	return constructor(runtimeConfig)
}
