package hostmem

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// topologyFile is the YAML schema of a hostmem topology description:
//
//	devices: 8
//	boards:
//	  - [0, 1]
//	  - [2, 3]
//	peer_links:
//	  - [4, 5]
//	all_peers: false
//	memory_per_device: 256 MiB
//	copy_delay: 200us
//	copy_jitter: 50us
//	seed: 42
type topologyFile struct {
	Devices         int      `yaml:"devices"`
	Boards          [][]int  `yaml:"boards"`
	PeerLinks       [][2]int `yaml:"peer_links"`
	AllPeers        bool     `yaml:"all_peers"`
	MemoryPerDevice string   `yaml:"memory_per_device"`
	CopyDelay       string   `yaml:"copy_delay"`
	CopyJitter      string   `yaml:"copy_jitter"`
	Seed            int64    `yaml:"seed"`
}

// LoadTopology reads a YAML topology description and converts it to Options.
//
// Sizes accept humanized suffixes ("256 MiB", "1GB") and durations the usual
// Go forms ("200us", "1.5ms"). Missing fields keep their zero value, except
// devices which defaults to 2.
func LoadTopology(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.Wrapf(err, "failed to read hostmem topology from %q", path)
	}
	var file topologyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return opts, errors.Wrapf(err, "failed to parse hostmem topology from %q", path)
	}

	opts = Options{
		Devices:   file.Devices,
		Boards:    file.Boards,
		PeerLinks: file.PeerLinks,
		AllPeers:  file.AllPeers,
		Seed:      file.Seed,
	}
	if opts.Devices == 0 {
		opts.Devices = DefaultOptions().Devices
	}
	if file.MemoryPerDevice != "" {
		opts.MemoryBytesPerDevice, err = humanize.ParseBytes(file.MemoryPerDevice)
		if err != nil {
			return opts, errors.Wrapf(err, "invalid memory_per_device %q in %q", file.MemoryPerDevice, path)
		}
	}
	opts.CopyDelay, err = parseOptionalDuration(file.CopyDelay)
	if err != nil {
		return opts, errors.Wrapf(err, "invalid copy_delay in %q", path)
	}
	opts.CopyJitter, err = parseOptionalDuration(file.CopyJitter)
	if err != nil {
		return opts, errors.Wrapf(err, "invalid copy_jitter in %q", path)
	}
	if err := opts.validate(); err != nil {
		return opts, errors.WithMessagef(err, "invalid hostmem topology in %q", path)
	}
	return opts, nil
}

func parseOptionalDuration(text string) (time.Duration, error) {
	if text == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse duration %q", text)
	}
	return d, nil
}

// SaveTopology writes the Options as a YAML topology file in the format
// LoadTopology reads. Loading the file back yields the same Options.
func SaveTopology(path string, opts Options) error {
	if err := opts.validate(); err != nil {
		return errors.WithMessagef(err, "refusing to save invalid hostmem topology to %q", path)
	}
	file := topologyFile{
		Devices:   opts.Devices,
		Boards:    opts.Boards,
		PeerLinks: opts.PeerLinks,
		AllPeers:  opts.AllPeers,
		Seed:      opts.Seed,
	}
	mem := opts.MemoryBytesPerDevice
	switch {
	case mem == 0:
	case mem%(1<<20) == 0:
		// Whole mebibytes read better and parse back exactly.
		file.MemoryPerDevice = fmt.Sprintf("%d MiB", mem>>20)
	default:
		file.MemoryPerDevice = strconv.FormatUint(mem, 10)
	}
	if opts.CopyDelay > 0 {
		file.CopyDelay = opts.CopyDelay.String()
	}
	if opts.CopyJitter > 0 {
		file.CopyJitter = opts.CopyJitter.String()
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return errors.Wrap(err, "failed to serialize hostmem topology")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "failed to write hostmem topology to %q", path)
}
