package cobrautil

import (
	"context"
	"fmt"
	"io"
	"log"
	"reflect"
	"slices"

	"github.com/spf13/cobra"
)

// RunE is a Cobra "run" function that returns error.
type RunE = func(c *cobra.Command, args []string) error

// ChainRunE returns a RunE that runs its arguments in order and stops on the first error.
func ChainRunE(fs ...RunE) RunE {
	fs = slices.DeleteFunc(fs, func(e RunE) bool { return e == nil })
	if len(fs) == 1 {
		return fs[0]
	}
	return func(c *cobra.Command, args []string) error {
		for _, f := range fs {
			if err := f(c, args); err != nil {
				return err
			}
		}
		return nil
	}
}

// Cmd declares a command from a base command plus things that modify it:
//
// *cobra.Command:
//
//	Subcommand, added at init time.
//
// func(<anything>) error:
// func(<anything>) (T, error):
//
//	Action, chained to RunE. Arguments are filled in by type from c, args,
//	c.Context(), and values stored with Store or produced by earlier
//	actions. A produced T is stored for later actions; if it is an
//	io.Closer it is also closed with Defer after the command.
//
// func(*cobra.Command):
// func(*cobra.Command) T:
//
//	Filter. Called at init time, usually to add flags. If it returns an action
//	that is chained to RunE; any other return value is stored in the context
//	at run time, so later actions can take it as an argument.
//
// At init time c.Context() is nil.
func Cmd(c *cobra.Command, stuff ...any) *cobra.Command {
	for _, thing := range stuff {
		if subCmd, ok := thing.(*cobra.Command); ok {
			c.AddCommand(subCmd)
			continue
		}
		v := reflect.ValueOf(thing)
		t := v.Type()
		if validAction(t) {
			c.RunE = ChainRunE(c.RunE, asAction(v))
		} else if validFilter(t) {
			c.RunE = ChainRunE(c.RunE, callFilter(v, c))
		} else {
			log.Panicf("bad Cmd argument: %T %v", thing, thing)
		}
	}
	return c
}

var errorType = reflect.TypeFor[error]()

func validAction(t reflect.Type) bool {
	if t.Kind() != reflect.Func {
		return false
	}
	switch t.NumOut() {
	case 1:
		return t.Out(0) == errorType
	case 2:
		return t.Out(0) != errorType && t.Out(1) == errorType
	}
	return false
}

func asAction(v reflect.Value) RunE {
	return func(c *cobra.Command, args []string) error {
		t := v.Type()
		ins := make([]reflect.Value, t.NumIn())
		for i := range t.NumIn() {
			tin := t.In(i)
			switch tin {
			case reflect.TypeFor[*cobra.Command]():
				ins[i] = reflect.ValueOf(c)
			case reflect.TypeFor[context.Context]():
				ins[i] = reflect.ValueOf(c.Context())
			case reflect.TypeFor[[]string]():
				ins[i] = reflect.ValueOf(args)
			default:
				in := c.Context().Value(ckey{t: tin})
				if in == nil {
					panic(fmt.Sprintf("couldn't find value for %s in context", tin))
				}
				ins[i] = reflect.ValueOf(in)
			}
		}
		outs := v.Call(ins)
		if errv := outs[len(outs)-1]; !errv.IsNil() {
			return errv.Interface().(error)
		}
		if len(outs) == 2 {
			produced(c, outs[0])
		}
		return nil
	}
}

// produced stores an action's result and arranges for it to be closed.
func produced(c *cobra.Command, out reflect.Value) {
	switch out.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		if out.IsNil() {
			return
		}
	}
	v := out.Interface()
	c.SetContext(context.WithValue(c.Context(), ckey{t: out.Type()}, v))
	if cl, ok := v.(io.Closer); ok {
		Defer(c, cl.Close)
	}
}

func validFilter(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		t.NumIn() == 1 &&
		t.In(0) == reflect.TypeFor[*cobra.Command]() &&
		(t.NumOut() == 0 || (t.NumOut() == 1 && t.Out(0) != errorType))
}

func callFilter(v reflect.Value, c *cobra.Command) RunE {
	out := v.Call([]reflect.Value{reflect.ValueOf(c)})
	if len(out) == 0 {
		return nil
	}
	o0 := out[0]
	if validAction(o0.Type()) {
		return asAction(o0)
	}
	return func(c *cobra.Command, ignored []string) error {
		c.SetContext(context.WithValue(c.Context(), ckey{t: o0.Type()}, o0.Interface()))
		return nil
	}
}
