package parallel

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/treesync/devices"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"
)

// DevicePair maps a device to its parent in the reduction tree.
// The root device pairs with devices.NoDevice.
type DevicePair struct {
	Parent devices.DeviceNum
	Device devices.DeviceNum
}

// String implements fmt.Stringer.
func (p DevicePair) String() string {
	if p.Parent == devices.NoDevice {
		return fmt.Sprintf("root:%d", p.Device)
	}
	return fmt.Sprintf("%d:%d", p.Parent, p.Device)
}

// ComputePairs orders devices into a rooted binary reduction tree, pairing
// each device with a parent.
//
// Pairing prefers locality: a first pass pairs devices that share a board, a
// second pass pairs devices with direct peer access, and a residual pass
// pairs whatever is left sequentially. Each pass runs ceil(log2(remaining))
// rounds, halving the remaining set, so the result is a balanced binary tree
// whose lowest levels use the fastest links. On runtimes without board or
// peer information the earlier passes match nothing and the residual pass
// pairs everything.
//
// The first returned pair is the root one, parented to devices.NoDevice. The
// result has exactly one pair per device.
func ComputePairs(rt devices.Runtime, devs []devices.DeviceNum) ([]DevicePair, error) {
	if len(devs) == 0 {
		return nil, errors.New("no devices to pair")
	}
	seen := make(map[devices.DeviceNum]bool, len(devs))
	for _, dev := range devs {
		if _, err := rt.Properties(dev); err != nil {
			return nil, err
		}
		if seen[dev] {
			return nil, errors.Errorf("device %d appears more than once in the device list", dev)
		}
		seen[dev] = true
	}

	var pairs []DevicePair
	remaining := slices.Clone(devs)

	// Pair devices that sit on the same board.
	for round := 0; round < ceilLog2(len(remaining)); round++ {
		for i := 0; i < len(remaining); i++ {
			for j := i + 1; j < len(remaining); j++ {
				same, err := onSameBoard(rt, remaining[i], remaining[j])
				if err != nil {
					return nil, err
				}
				if same {
					pairs = append(pairs, DevicePair{remaining[i], remaining[j]})
					klog.V(2).Infof("board pair: %d:%d", remaining[i], remaining[j])
					essentials.OrderedDelete(&remaining, j)
					break
				}
			}
		}
	}

	// Pair devices with direct peer access.
	for round := 0; round < ceilLog2(len(remaining)); round++ {
		for i := 0; i < len(remaining); i++ {
			for j := i + 1; j < len(remaining); j++ {
				access, err := rt.CanAccessPeer(remaining[i], remaining[j])
				if err != nil {
					return nil, err
				}
				if access {
					pairs = append(pairs, DevicePair{remaining[i], remaining[j]})
					klog.V(2).Infof("peer access pair: %d:%d", remaining[i], remaining[j])
					essentials.OrderedDelete(&remaining, j)
					break
				}
			}
		}
	}

	// Pair whatever is left, sequentially from the front.
	for round := 0; round < ceilLog2(len(remaining)); round++ {
		for i := 0; i+1 < len(remaining); i++ {
			pairs = append(pairs, DevicePair{remaining[i], remaining[i+1]})
			klog.V(2).Infof("remaining pair: %d:%d", remaining[i], remaining[i+1])
			essentials.OrderedDelete(&remaining, i+1)
		}
	}
	if len(remaining) != 1 {
		return nil, errors.Errorf("pairing left %d unpaired device(s), expected exactly the root", len(remaining))
	}
	pairs = slices.Insert(pairs, 0, DevicePair{devices.NoDevice, remaining[0]})

	if err := checkPairs(pairs, devs); err != nil {
		return nil, err
	}
	parts := make([]string, len(pairs))
	for i, pair := range pairs {
		parts[i] = pair.String()
	}
	klog.Infof("device pairs: %s", strings.Join(parts, ", "))
	return pairs, nil
}

// checkPairs validates the pairing covers each device exactly once and never
// pairs a device with itself.
func checkPairs(pairs []DevicePair, devs []devices.DeviceNum) error {
	if len(pairs) != len(devs) {
		return errors.Errorf("pairing produced %d pair(s) for %d device(s)", len(pairs), len(devs))
	}
	for i, pair := range pairs {
		if pair.Parent == pair.Device {
			return errors.Errorf("device %d paired with itself", pair.Device)
		}
		for _, other := range pairs[i+1:] {
			if pair.Device == other.Device {
				return errors.Errorf("device %d paired twice", pair.Device)
			}
		}
	}
	return nil
}

func onSameBoard(rt devices.Runtime, a, b devices.DeviceNum) (bool, error) {
	propsA, err := rt.Properties(a)
	if err != nil {
		return false, err
	}
	propsB, err := rt.Properties(b)
	if err != nil {
		return false, err
	}
	return propsA.BoardID >= 0 && propsA.BoardID == propsB.BoardID, nil
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
