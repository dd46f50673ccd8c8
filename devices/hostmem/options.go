package hostmem

import (
	"time"

	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"
)

// Options configure a host-memory runtime: how many devices to simulate and
// how they are connected.
//
// Peer access between two devices exists if AllPeers is set, if they share a
// board, or if an explicit PeerLinks entry connects them. Everything else goes
// through the staged copy fallback.
type Options struct {
	// Devices is the number of simulated devices. It must be at least 1.
	Devices int

	// Boards lists groups of device numbers that sit on the same simulated
	// board, e.g. [][]int{{0, 1}, {2, 3}}. Devices on the same board always
	// have peer access to each other. A device can belong to at most one board.
	Boards [][]int

	// PeerLinks lists extra pairs of devices with direct peer access.
	PeerLinks [][2]int

	// AllPeers gives every device peer access to every other, regardless of
	// Boards and PeerLinks.
	AllPeers bool

	// MemoryBytesPerDevice caps allocations per device. 0 means unlimited.
	MemoryBytesPerDevice uint64

	// CopyDelay is the base latency of an asynchronous copy. Zero means copies
	// complete without an artificial delay.
	CopyDelay time.Duration

	// CopyJitter is the maximum random latency added on top of CopyDelay.
	CopyJitter time.Duration

	// Seed for the jitter randomness. Zero seeds from the clock.
	Seed int64
}

// DefaultOptions simulates two fully connected devices with unlimited memory
// and instantaneous copies.
func DefaultOptions() Options {
	return Options{
		Devices:  2,
		AllPeers: true,
	}
}

func (o Options) validate() error {
	if o.Devices < 1 {
		return errors.Errorf("hostmem requires at least 1 device, got %d", o.Devices)
	}
	var members []int
	for i, board := range o.Boards {
		if len(board) < 2 {
			return errors.Errorf("hostmem board #%d has %d device(s), a board needs at least 2", i, len(board))
		}
		for _, dev := range board {
			if dev < 0 || dev >= o.Devices {
				return errors.Errorf("hostmem board #%d names device %d, valid range is [0, %d)", i, dev, o.Devices)
			}
			members = append(members, dev)
		}
	}
	xslices.Sort(members)
	for i := 1; i < len(members); i++ {
		if members[i] == members[i-1] {
			return errors.Errorf("hostmem device %d appears on more than one board", members[i])
		}
	}
	for i, link := range o.PeerLinks {
		for _, dev := range link {
			if dev < 0 || dev >= o.Devices {
				return errors.Errorf("hostmem peer link #%d names device %d, valid range is [0, %d)", i, dev, o.Devices)
			}
		}
		if link[0] == link[1] {
			return errors.Errorf("hostmem peer link #%d connects device %d to itself", i, link[0])
		}
	}
	if o.CopyDelay < 0 || o.CopyJitter < 0 {
		return errors.Errorf("hostmem copy delay/jitter must not be negative, got %s/%s", o.CopyDelay, o.CopyJitter)
	}
	return nil
}

// boardIDs maps each device to the index of its board in Boards, or -1 for
// devices that are not part of any board.
func (o Options) boardIDs() []int {
	ids := make([]int, o.Devices)
	for dev := range ids {
		ids[dev] = -1
	}
	for id, board := range o.Boards {
		for _, dev := range board {
			ids[dev] = id
		}
	}
	return ids
}

// peerMatrix builds the symmetric device-to-device direct access capability.
func (o Options) peerMatrix() [][]bool {
	peers := make([][]bool, o.Devices)
	for dev := range peers {
		peers[dev] = make([]bool, o.Devices)
	}
	connect := func(a, b int) {
		if a != b {
			peers[a][b] = true
			peers[b][a] = true
		}
	}
	if o.AllPeers {
		for a := 0; a < o.Devices; a++ {
			for b := a + 1; b < o.Devices; b++ {
				connect(a, b)
			}
		}
	}
	for _, board := range o.Boards {
		for i, a := range board {
			for _, b := range board[i+1:] {
				connect(a, b)
			}
		}
	}
	for _, link := range o.PeerLinks {
		connect(link[0], link[1])
	}
	return peers
}
