package cobrautil

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type (
	ckey struct {
		t reflect.Type
	}

	cleanupKey struct{}

	cleanups struct {
		fs []func() error
	}
)

// Store stores a value in the Command's context.
func Store[T any](c *cobra.Command, v T) {
	c.SetContext(context.WithValue(c.Context(), ckey{t: reflect.TypeFor[T]()}, v))
}

// Get gets a value from the Command's context.
func Get[T any](c *cobra.Command) T {
	return c.Context().Value(ckey{t: reflect.TypeFor[T]()}).(T)
}

// Defer registers f to run after the command, whether it failed or not.
// Outside Execute, f is dropped.
func Defer(c *cobra.Command, f func() error) {
	if cl, ok := c.Context().Value(cleanupKey{}).(*cleanups); ok {
		cl.fs = append(cl.fs, f)
	}
}

// Execute runs root with a fresh context and then every function registered
// with Defer, last first. Errors are combined.
func Execute(root *cobra.Command) error {
	cl := &cleanups{}
	err := root.ExecuteContext(context.WithValue(context.Background(), cleanupKey{}, cl))
	for i := len(cl.fs) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, cl.fs[i]())
	}
	return err
}
