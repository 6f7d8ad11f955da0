package main

import (
	"log"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dnr/vdisk/common/cobrautil"
	"github.com/dnr/vdisk/registry"
	"github.com/dnr/vdisk/storage"
	"github.com/dnr/vdisk/vmdk"
)

// env is what every command runs with: config, backend, metrics and the
// optional registry. Closed after the command, after its images.
type env struct {
	cfg     *config
	backend storage.Backend
	metrics *metrics
	reg     *registry.Registry // nil without --registry
}

func setupEnv(cfg *config) (*env, error) {
	e := &env{
		cfg:     cfg,
		backend: storage.OSBackend{},
		metrics: newMetrics(),
	}
	if cfg.Registry != "" {
		reg, err := registry.Open(cfg.Registry)
		if err != nil {
			return nil, err
		}
		e.reg = reg
	}
	if cfg.MetricsAddr != "" {
		if err := e.metrics.serve(cfg.MetricsAddr); err != nil {
			return nil, errors.CombineErrors(err, e.Close())
		}
	}
	return e, nil
}

func (e *env) Close() error {
	if e.reg == nil {
		return nil
	}
	return e.reg.Close()
}

// withImage opens the image named by the first argument. The command's
// --sequential flag, if it has one, adds OpenSequential.
func withImage(flags vmdk.OpenFlags) func(*cobra.Command) func(*cobra.Command, []string, *env) (*vmdk.Image, error) {
	return func(*cobra.Command) func(*cobra.Command, []string, *env) (*vmdk.Image, error) {
		return func(c *cobra.Command, args []string, e *env) (*vmdk.Image, error) {
			f := flags
			if seq, err := c.Flags().GetBool("sequential"); err == nil && seq {
				f |= vmdk.OpenSequential
			}
			return e.load("image", args[0], f)
		}
	}
}

// load opens and tracks an image; the caller closes it.
func (e *env) load(role, path string, flags vmdk.OpenFlags) (*vmdk.Image, error) {
	img, err := vmdk.Open(e.backend, path, flags)
	if err != nil {
		return nil, err
	}
	e.metrics.track(role, img)
	if img.UncleanShutdown() {
		log.Printf("%s was not closed cleanly", path)
	}
	return img, nil
}

// open opens an image that is closed when the command finishes.
func (e *env) open(c *cobra.Command, role, path string, flags vmdk.OpenFlags) (*vmdk.Image, error) {
	img, err := e.load(role, path, flags)
	if err != nil {
		return nil, err
	}
	e.closeAfter(c, img)
	return img, nil
}

func (e *env) create(c *cobra.Command, role, path string, opts vmdk.CreateOptions) (*vmdk.Image, error) {
	img, err := vmdk.Create(e.backend, path, opts)
	if err != nil {
		return nil, err
	}
	e.metrics.track(role, img)
	e.closeAfter(c, img)
	return img, nil
}

func (e *env) closeAfter(c *cobra.Command, img *vmdk.Image) {
	cobrautil.Defer(c, func() error {
		return errors.Wrapf(img.Close(), "close %s", img.Path())
	})
}

// register records img in the registry, if there is one.
func (e *env) register(img *vmdk.Image) error {
	if e.reg == nil {
		return nil
	}
	ent, err := registry.EntryFor(img)
	if err != nil {
		return err
	}
	return e.reg.Put(ent)
}

func (e *env) needRegistry() error {
	if e.reg == nil {
		return errors.New("no registry configured (--registry or config file)")
	}
	return nil
}
