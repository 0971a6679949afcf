// Command calibrate walks the operator through calibrating each axis of the
// rig and saves the results to the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mastercactapus/eraser/calibrate"
	"github.com/mastercactapus/eraser/config"
	"github.com/mastercactapus/eraser/hw"
	"github.com/mastercactapus/eraser/stepper"
)

func main() {
	log.SetFlags(log.Lshortfile)
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, in io.Reader, out io.Writer) int {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: calibrate [flags] <config.json>")
		fs.PrintDefaults()
	}
	opts := calibrate.DefaultOptions()
	axisList := fs.String("axis", "", "Comma-separated axes to calibrate (default all).")
	fs.DurationVar(&opts.PromptTimeout, "prompt-timeout", opts.PromptTimeout, "Abort if the operator does not answer within this time.")
	fs.Float64Var(&opts.Frequency, "freq", opts.Frequency, "Step frequency for the length trials (default from config).")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	path := fs.Arg(0)

	f, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}

	names := f.Names()
	if *axisList != "" {
		names = strings.Split(*axisList, ",")
		for _, n := range names {
			if _, ok := f.Axes[n]; !ok {
				fmt.Fprintf(out, "unknown axis %q\n", n)
				return 2
			}
		}
	}

	src, err := hw.Host()
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	h := hw.Open(src, nil)
	defer h.Close()

	all, err := f.OpenAxes(h, nil)
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	axes := make([]*stepper.Axis, 0, len(names))
	for _, n := range names {
		axes = append(axes, all[n])
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := calibrate.New(calibrate.NewTerminal(in, out), opts, nil)
	err = c.Run(ctx, axes, config.NewStore(path))
	if err != nil {
		fmt.Fprintln(out, err)
		return 1
	}
	fmt.Fprintf(out, "Saved calibration for %s to %s.\n", strings.Join(names, ", "), path)
	return 0
}
