package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/common/cobrautil"
	"github.com/dnr/vdisk/registry"
	"github.com/dnr/vdisk/vmdk"
)

const ioChunk = 1 << 20

type (
	sizeFlag   struct{ s *string }
	rangeFlags struct{ offset, count *uint64 }
)

func withSize(c *cobra.Command) sizeFlag {
	f := sizeFlag{c.Flags().String("size", "", "size in bytes (K/M/G/T suffix) or sectors (s suffix)")}
	c.MarkFlagRequired("size")
	return f
}

func (f sizeFlag) sectors() (uint64, error) {
	return parseSize(*f.s)
}

func withRange(c *cobra.Command) rangeFlags {
	return rangeFlags{
		offset: c.Flags().Uint64("offset", 0, "first sector"),
		count:  c.Flags().Uint64("count", 0, "number of sectors (0 for the rest of the disk)"),
	}
}

func createCmd(c *cobra.Command, args []string, e *env, opts *vmdk.CreateOptions, size sizeFlag) error {
	var err error
	if opts.Capacity, err = size.sectors(); err != nil {
		return err
	}
	img, err := e.create(c, "image", args[0], *opts)
	if err != nil {
		return err
	}
	if err := e.register(img); err != nil {
		return err
	}
	fmt.Printf("created %s: %s, %d sectors, uuid %s\n", args[0], img.CreateType(), img.Capacity(), img.Properties().ImageUUID)
	return nil
}

func infoCmd(c *cobra.Command, e *env, img *vmdk.Image) error {
	showDesc, _ := c.Flags().GetBool("descriptor")
	printInfo(os.Stdout, img)
	if e.reg != nil {
		if ent, err := registry.EntryFor(img); err == nil {
			chain, err := e.reg.Chain(ent)
			for _, p := range chain[1:] {
				fmt.Printf("parent:\t%s (%s)\n", p.Path, p.ImageUUID)
			}
			if err != nil {
				fmt.Printf("parent:\tunresolved: %v\n", err)
			}
		}
	}
	if showDesc {
		fmt.Print("\n", img.Descriptor())
	}
	return nil
}

func printInfo(w io.Writer, img *vmdk.Image) {
	p := img.Properties()
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "path:\t%s\n", img.Path())
	fmt.Fprintf(tw, "type:\t%s\n", img.CreateType())
	fmt.Fprintf(tw, "capacity:\t%d sectors (%d bytes)\n", img.Capacity(), common.SectorsToBytes(img.Capacity()))
	fmt.Fprintf(tw, "cid:\t%08x (parent %08x)\n", p.CID, p.ParentCID)
	fmt.Fprintf(tw, "uuid:\t%s\n", p.ImageUUID)
	fmt.Fprintf(tw, "modification:\t%s\n", p.ModificationUUID)
	if p.ParentUUID != uuid.Nil {
		fmt.Fprintf(tw, "parent uuid:\t%s\n", p.ParentUUID)
	}
	fmt.Fprintf(tw, "geometry:\t%s\n", p.Physical)
	fmt.Fprintf(tw, "adapter:\t%s\n", p.AdapterType)
	fmt.Fprintf(tw, "unclean:\t%v\n", img.UncleanShutdown())
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "#\taccess\ttype\tsectors\tfile\toffset\tgrain\tgt\tgd\toverhead\tflags")
	for i, x := range img.Extents() {
		var flags []byte
		for _, f := range []struct {
			on bool
			c  byte
		}{{x.Redundant, 'r'}, {x.Compressed, 'z'}, {x.Unclean, 'u'}, {x.Suspect, '!'}} {
			if f.on {
				flags = append(flags, f.c)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			i, x.Access, x.Type, x.Sectors, x.Filename, x.Offset,
			x.GrainSectors, x.GTEntries, x.GDEntries, x.Overhead, flags)
	}
	tw.Flush()
}

func readCmd(c *cobra.Command, img *vmdk.Image, rf rangeFlags) error {
	if *rf.offset > img.Capacity() {
		return errors.Newf("offset %d past end of disk (%d)", *rf.offset, img.Capacity())
	}
	count := img.Capacity() - *rf.offset
	if *rf.count != 0 {
		count = min(count, *rf.count)
	}

	var out io.Writer = os.Stdout
	if path, _ := c.Flags().GetString("output"); path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		cobrautil.Defer(c, f.Close)
		out = f
	}
	src := io.NewSectionReader(img, common.SectorsToBytes(*rf.offset), common.SectorsToBytes(count))
	_, err := io.CopyBuffer(out, src, make([]byte, ioChunk))
	return err
}

func writeCmd(args []string, img *vmdk.Image, rf rangeFlags) error {
	in, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer in.Close()

	buf := make([]byte, ioChunk)
	off := common.SectorsToBytes(*rf.offset)
	var total int64
	for {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			// a short last chunk is padded to a whole sector
			padded := common.SectorShift.Roundup(int64(n))
			clear(buf[n:padded])
			if _, err := img.WriteAt(buf[:padded], off+total); err != nil {
				return err
			}
			total += padded
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return err
		}
	}
	log.Printf("wrote %d bytes at sector %d", total, *rf.offset)
	return img.Flush()
}

func growCmd(args []string, e *env, img *vmdk.Image, size sizeFlag) error {
	sectors, err := size.sectors()
	if err != nil {
		return err
	}
	old := img.Capacity()
	if err := img.Grow(sectors); err != nil {
		return err
	}
	fmt.Printf("%s: %d -> %d sectors\n", args[0], old, img.Capacity())
	return e.register(img)
}

func convertCmd(c *cobra.Command, args []string, e *env, opts *vmdk.CreateOptions) error {
	flags := vmdk.OpenReadOnly
	if seq, _ := c.Flags().GetBool("sequential"); seq {
		flags |= vmdk.OpenSequential
	}
	src, err := e.open(c, "src", args[0], flags)
	if err != nil {
		return err
	}
	if !c.Flags().Changed("type") {
		opts.Type = vmdk.StreamOptimized
	}
	opts.Capacity = src.Capacity()
	dst, err := e.create(c, "dst", args[1], *opts)
	if err != nil {
		return err
	}
	if err := vmdk.Copy(dst, src); err != nil {
		return err
	}
	s := dst.Stats()
	log.Printf("converted %s -> %s (%s): %d bytes written", args[0], args[1], dst.CreateType(), s.WriteBytes)
	return e.register(dst)
}

// checkCmd reads every allocated range. Opening the image already checked
// headers and redundant tables.
func checkCmd(args []string, img *vmdk.Image) error {
	buf := make([]byte, ioChunk)
	var allocated uint64
	for s := uint64(0); s < img.Capacity(); {
		alloc, run, err := img.Allocated(s)
		if err != nil {
			return err
		}
		if !alloc {
			s += run
			continue
		}
		n := min(int64(len(buf)), common.SectorsToBytes(run))
		got, err := img.Read(s, buf[:n])
		if err != nil {
			return errors.Wrapf(err, "sector %d", s)
		}
		allocated += uint64(got) >> common.SectorShift
		s += uint64(got) >> common.SectorShift
	}
	fmt.Printf("%s: ok, %d of %d sectors allocated\n", args[0], allocated, img.Capacity())
	if img.UncleanShutdown() {
		return errors.Newf("%s: unclean shutdown flag set", args[0])
	}
	return nil
}

func registryListCmd(e *env) error {
	if err := e.needRegistry(); err != nil {
		return err
	}
	entries, err := e.reg.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "uuid\ttype\tsectors\tparent\tpath")
	for _, ent := range entries {
		parent := "-"
		if ent.ParentUUID != uuid.Nil {
			parent = ent.ParentUUID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", ent.ImageUUID, ent.CreateType, ent.Capacity, parent, ent.Path)
	}
	return tw.Flush()
}

func registryAddCmd(c *cobra.Command, args []string, e *env) error {
	if err := e.needRegistry(); err != nil {
		return err
	}
	for _, p := range args {
		img, err := e.open(c, p, p, vmdk.OpenReadOnly)
		if err != nil {
			return err
		}
		if err := e.register(img); err != nil {
			return err
		}
	}
	return nil
}

func registryForgetCmd(args []string, e *env) error {
	if err := e.needRegistry(); err != nil {
		return err
	}
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return err
		}
		if err := e.reg.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

func withSequential(c *cobra.Command) {
	c.Flags().Bool("sequential", false, "read stream-optimized extents front to back only")
}

func newRoot() *cobra.Command {
	return cobrautil.Cmd(
		&cobra.Command{
			Use:           "vdisk",
			Short:         "vdisk - sparse virtual disk image tool",
			Version:       common.Version,
			SilenceUsage:  true,
			SilenceErrors: true,
		},
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "create <path>",
				Short: "create a new image",
				Args:  cobra.ExactArgs(1),
			},
			withConfig, setupEnv, withCreateOptions, withSize,
			createCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "info <path>",
				Short: "show image metadata and extents",
				Args:  cobra.ExactArgs(1),
			},
			withConfig, setupEnv, withImage(vmdk.OpenReadOnly),
			func(c *cobra.Command) { c.Flags().Bool("descriptor", false, "also print the descriptor") },
			infoCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "read <path>",
				Short: "copy disk contents to stdout or a file",
				Args:  cobra.ExactArgs(1),
			},
			withConfig, setupEnv, withRange, withSequential, withImage(vmdk.OpenReadOnly),
			func(c *cobra.Command) { c.Flags().StringP("output", "o", "", "output file") },
			readCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "write <path> <input>",
				Short: "write a file into the disk",
				Args:  cobra.ExactArgs(2),
			},
			withConfig, setupEnv, withRange, withImage(0),
			writeCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "grow <path>",
				Short: "enlarge an image",
				Args:  cobra.ExactArgs(1),
			},
			withConfig, setupEnv, withSize, withImage(0),
			growCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "convert <src> <dst>",
				Short: "copy an image into a new one, stream-optimized by default",
				Args:  cobra.ExactArgs(2),
			},
			withConfig, setupEnv, withCreateOptions, withSequential,
			convertCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{
				Use:   "check <path>",
				Short: "verify metadata and read all allocated data",
				Args:  cobra.ExactArgs(1),
			},
			withConfig, setupEnv, withImage(vmdk.OpenReadOnly),
			checkCmd,
		),
		cobrautil.Cmd(
			&cobra.Command{Use: "registry", Short: "manage the image registry"},
			cobrautil.Cmd(
				&cobra.Command{Use: "list", Short: "list known images", Args: cobra.NoArgs},
				withConfig, setupEnv,
				registryListCmd,
			),
			cobrautil.Cmd(
				&cobra.Command{Use: "add <path>...", Short: "register existing images", Args: cobra.MinimumNArgs(1)},
				withConfig, setupEnv,
				registryAddCmd,
			),
			cobrautil.Cmd(
				&cobra.Command{Use: "forget <uuid>...", Short: "drop images from the registry", Args: cobra.MinimumNArgs(1)},
				withConfig, setupEnv,
				registryForgetCmd,
			),
		),
	)
}

func main() {
	if err := cobrautil.Execute(newRoot()); err != nil {
		log.Fatal(err)
	}
}
