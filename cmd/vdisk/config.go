package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/vmdk"
)

type (
	config struct {
		Registry    string       `yaml:"registry"`     // bolt database, empty for none
		MetricsAddr string       `yaml:"metrics_addr"` // serve prometheus metrics here
		Create      createConfig `yaml:"create"`
	}

	createConfig struct {
		Type         string `yaml:"type"`
		GrainSectors uint64 `yaml:"grain_sectors"`
		GTEntries    uint32 `yaml:"gt_entries"`
		NoRedundant  bool   `yaml:"no_redundant"`
		SplitSize    string `yaml:"split_size"`
		AdapterType  string `yaml:"adapter_type"`
	}
)

const configEnv = "VDISK_CONFIG"

func defaultConfig() *config {
	return &config{
		Create: createConfig{
			Type:         string(vmdk.MonolithicSparse),
			GrainSectors: vmdk.DefaultGrainSectors,
			GTEntries:    vmdk.DefaultGTEntries,
			AdapterType:  "ide",
		},
	}
}

// loadConfig reads a yaml file over the defaults. An empty path gives the
// defaults.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// withConfig loads the config file, then applies flags that were set
// explicitly.
func withConfig(c *cobra.Command) func(*cobra.Command) (*config, error) {
	var flags config
	path := c.Flags().String("config", os.Getenv(configEnv), "yaml config file (env "+configEnv+")")
	c.Flags().StringVar(&flags.Registry, "registry", "", "image registry database")
	c.Flags().StringVar(&flags.MetricsAddr, "metrics_addr", "", "serve prometheus metrics on this address")

	return func(c *cobra.Command) (*config, error) {
		cfg, err := loadConfig(*path)
		if err != nil {
			return nil, err
		}
		if c.Flags().Changed("registry") {
			cfg.Registry = flags.Registry
		}
		if c.Flags().Changed("metrics_addr") {
			cfg.MetricsAddr = flags.MetricsAddr
		}
		return cfg, nil
	}
}

// withCreateOptions adds the flags for making a new image. Capacity is left
// for the command to fill.
func withCreateOptions(c *cobra.Command) func(*cobra.Command, *config) (*vmdk.CreateOptions, error) {
	var (
		flags  createConfig
		parent string
	)
	c.Flags().StringVarP(&flags.Type, "type", "t", "", "create type: "+createTypeList())
	c.Flags().Uint64Var(&flags.GrainSectors, "grain", 0, "grain size in sectors")
	c.Flags().Uint32Var(&flags.GTEntries, "gt_entries", 0, "entries per grain table")
	c.Flags().BoolVar(&flags.NoRedundant, "no_redundant", false, "skip redundant grain directory and tables")
	c.Flags().StringVar(&flags.SplitSize, "split", "", "extent size for split types")
	c.Flags().StringVar(&flags.AdapterType, "adapter", "", "adapter type (ide, buslogic, lsilogic, legacyESX)")
	c.Flags().StringVar(&parent, "parent", "", "parent image uuid")

	return func(c *cobra.Command, cfg *config) (*vmdk.CreateOptions, error) {
		cc := cfg.Create
		if c.Flags().Changed("type") {
			cc.Type = flags.Type
		}
		if c.Flags().Changed("grain") {
			cc.GrainSectors = flags.GrainSectors
		}
		if c.Flags().Changed("gt_entries") {
			cc.GTEntries = flags.GTEntries
		}
		if c.Flags().Changed("no_redundant") {
			cc.NoRedundant = flags.NoRedundant
		}
		if c.Flags().Changed("split") {
			cc.SplitSize = flags.SplitSize
		}
		if c.Flags().Changed("adapter") {
			cc.AdapterType = flags.AdapterType
		}
		opts, err := cc.options()
		if err != nil {
			return nil, err
		}
		if parent != "" {
			if opts.ParentUUID, err = uuid.Parse(parent); err != nil {
				return nil, errors.Wrap(err, "--parent")
			}
		}
		return opts, nil
	}
}

func (cc createConfig) options() (*vmdk.CreateOptions, error) {
	opts := &vmdk.CreateOptions{
		Type:         vmdk.CreateType(cc.Type),
		GrainSectors: cc.GrainSectors,
		GTEntries:    cc.GTEntries,
		NoRedundant:  cc.NoRedundant,
		AdapterType:  cc.AdapterType,
	}
	if cc.SplitSize != "" {
		n, err := parseSize(cc.SplitSize)
		if err != nil {
			return nil, errors.Wrap(err, "split size")
		}
		opts.SplitSectors = n
	}
	return opts, nil
}

func createTypeList() string {
	names := make([]string, len(vmdk.CreateTypes))
	for i, t := range vmdk.CreateTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// parseSize parses a size in bytes with an optional K, M, G or T suffix
// (powers of 1024) or an "s" suffix for sectors, and returns sectors.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	shift := 0
	switch s[len(s)-1] {
	case 's', 'S':
		n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "size %q", s)
		}
		return n, nil
	case 'k', 'K':
		shift = 10
	case 'm', 'M':
		shift = 20
	case 'g', 'G':
		shift = 30
	case 't', 'T':
		shift = 40
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "size %q", s)
	}
	bytes := n << shift
	if bytes>>shift != n {
		return 0, errors.Newf("size %q overflows", s)
	}
	if common.SectorShift.Leftover(int64(bytes)) != 0 {
		return 0, errors.Newf("size %q is not a multiple of %d bytes", s, common.SectorSize)
	}
	return bytes >> common.SectorShift, nil
}
