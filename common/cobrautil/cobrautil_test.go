package cobrautil

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type thing struct{ n int }

func TestCmd(t *testing.T) {
	r := require.New(t)
	var order []string
	var got *thing

	root := Cmd(
		&cobra.Command{Use: "root"},
		Cmd(
			&cobra.Command{Use: "sub", Args: cobra.ExactArgs(1)},
			func(c *cobra.Command) *int {
				return c.Flags().Int("n", 3, "n")
			},
			func(c *cobra.Command, n *int) error {
				Store(c, &thing{n: *n})
				Defer(c, func() error { order = append(order, "first"); return nil })
				Defer(c, func() error { order = append(order, "second"); return nil })
				return nil
			},
			func(ctx context.Context, args []string, th *thing) error {
				r.NotNil(ctx)
				r.Equal([]string{"x"}, args)
				got = th
				return errors.New("boom")
			},
		),
	)
	root.SetArgs([]string{"sub", "--n", "7", "x"})
	root.SilenceErrors, root.SilenceUsage = true, true
	err := Execute(root)
	r.EqualError(err, "boom")
	r.Equal(7, got.n)
	r.Equal([]string{"second", "first"}, order)
}

func TestCmd_BadArgument(t *testing.T) {
	require.Panics(t, func() { Cmd(&cobra.Command{Use: "x"}, 42) })
}

type resource struct {
	name string
	log  *[]string
}

func (r *resource) Close() error {
	*r.log = append(*r.log, "close "+r.name)
	return nil
}

func TestCmd_ProducedValues(t *testing.T) {
	r := require.New(t)
	var log []string

	root := Cmd(
		&cobra.Command{Use: "root", SilenceErrors: true, SilenceUsage: true},
		func(c *cobra.Command) func([]string) (*resource, error) {
			return func(args []string) (*resource, error) {
				return &resource{name: args[0], log: &log}, nil
			}
		},
		func(res *resource) (*thing, error) {
			log = append(log, "use "+res.name)
			return &thing{n: len(res.name)}, nil
		},
		func(th *thing) error {
			log = append(log, "thing")
			r.Equal(3, th.n)
			return nil
		},
	)
	root.SetArgs([]string{"abc"})
	r.NoError(Execute(root))
	r.Equal([]string{"use abc", "thing", "close abc"}, log)

	// a failed producer stores nothing and stops the chain
	log = nil
	root = Cmd(
		&cobra.Command{Use: "root", SilenceErrors: true, SilenceUsage: true},
		func() (*resource, error) { return nil, errors.New("no resource") },
		func(res *resource) error {
			log = append(log, "unreachable")
			return nil
		},
	)
	root.SetArgs([]string{})
	r.EqualError(Execute(root), "no resource")
	r.Empty(log)
}
