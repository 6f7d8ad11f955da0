package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnr/vdisk/common/cobrautil"
	"github.com/dnr/vdisk/storage"
	"github.com/dnr/vdisk/vmdk"
)

func TestParseSize(t *testing.T) {
	r := require.New(t)
	for in, want := range map[string]uint64{
		"512":   1,
		"1K":    2,
		"4m":    8192,
		"1G":    2 << 20,
		"2T":    4 << 30,
		"100s":  100,
		" 8k ":  16,
		"1024S": 1024,
	} {
		got, err := parseSize(in)
		r.NoError(err, in)
		r.Equal(want, got, in)
	}
	for _, in := range []string{"", "100", "1.5G", "G", "-1K", "99999999999999T"} {
		_, err := parseSize(in)
		r.Error(err, in)
	}
}

func TestLoadConfig(t *testing.T) {
	r := require.New(t)
	cfg, err := loadConfig("")
	r.NoError(err)
	r.Equal(defaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "vdisk.yaml")
	r.NoError(os.WriteFile(path, []byte(`
registry: /var/lib/vdisk/registry.bolt
create:
  type: twoGbMaxExtentSparse
  grain_sectors: 64
  split_size: 1G
`), 0o644))
	cfg, err = loadConfig(path)
	r.NoError(err)
	r.Equal("/var/lib/vdisk/registry.bolt", cfg.Registry)
	r.Equal("twoGbMaxExtentSparse", cfg.Create.Type)
	r.EqualValues(64, cfg.Create.GrainSectors)
	// untouched keys keep their defaults
	r.EqualValues(vmdk.DefaultGTEntries, cfg.Create.GTEntries)
	r.Equal("ide", cfg.Create.AdapterType)

	opts, err := cfg.Create.options()
	r.NoError(err)
	r.Equal(vmdk.SplitSparse, opts.Type)
	r.EqualValues(2<<20, opts.SplitSectors)

	r.NoError(os.WriteFile(path, []byte("create: [1, 2"), 0o644))
	_, err = loadConfig(path)
	r.Error(err)
}

func TestMetrics(t *testing.T) {
	r := require.New(t)
	m := newMetrics()
	img, err := vmdk.Create(storage.NewMemBackend(), "/m.vmdk", vmdk.CreateOptions{Capacity: 2048, GrainSectors: 8, GTEntries: 128})
	r.NoError(err)
	defer img.Close()
	m.track("image", img)
	m.track("image", img)

	_, err = img.Write(0, make([]byte, 8*512))
	r.NoError(err)
	_, err = img.Write(64, bytes.Repeat([]byte{1}, 8*512))
	r.NoError(err)

	mfs, err := m.reg.Gather()
	r.NoError(err)
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "vdisk_grains_allocated_total" {
			continue
		}
		found = true
		r.Len(mf.GetMetric(), 1)
		r.Equal("role", mf.GetMetric()[0].GetLabel()[0].GetName())
		r.Equal("image", mf.GetMetric()[0].GetLabel()[0].GetValue())
		r.EqualValues(2, mf.GetMetric()[0].GetCounter().GetValue())
	}
	r.True(found)
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := newRoot()
	root.SetArgs(args)
	return cobrautil.Execute(root)
}

func TestCLI(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.vmdk")
	stream := filepath.Join(dir, "disk-stream.vmdk")
	reg := filepath.Join(dir, "registry.bolt")

	r.NoError(run(t, "create", img, "--size", "1M", "--grain", "8", "--gt_entries", "128", "--registry", reg))
	r.Error(run(t, "create", img, "--size", "1M"))

	data := bytes.Repeat([]byte("vdisk!"), 500)
	in := filepath.Join(dir, "in")
	r.NoError(os.WriteFile(in, data, 0o644))
	r.NoError(run(t, "write", img, in, "--offset", "16"))

	out := filepath.Join(dir, "out")
	r.NoError(run(t, "read", img, "--offset", "16", "--count", "8", "-o", out))
	got, err := os.ReadFile(out)
	r.NoError(err)
	r.Len(got, 8*512)
	r.Equal(data, got[:len(data)])
	r.Equal(make([]byte, len(got)-len(data)), got[len(data):])

	r.NoError(run(t, "grow", img, "--size", "2M", "--registry", reg))
	r.NoError(run(t, "info", img, "--descriptor", "--registry", reg))
	r.NoError(run(t, "check", img))

	r.NoError(run(t, "convert", img, stream, "--registry", reg))
	r.NoError(run(t, "check", stream))
	r.NoError(run(t, "read", stream, "--sequential", "--offset", "16", "--count", "8", "-o", out))
	got2, err := os.ReadFile(out)
	r.NoError(err)
	r.Equal(got, got2)

	r.NoError(run(t, "registry", "list", "--registry", reg))
	r.Error(run(t, "registry", "list"))
	r.Error(run(t, "registry", "forget", "not-a-uuid", "--registry", reg))

	s, err := vmdk.Open(storage.OSBackend{}, stream, vmdk.OpenReadOnly)
	r.NoError(err)
	r.Equal(string(vmdk.StreamOptimized), s.CreateType())
	r.EqualValues(4096, s.Capacity())
	r.NoError(s.Close())
}
