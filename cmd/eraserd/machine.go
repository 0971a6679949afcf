package main

import (
	"context"

	"github.com/mastercactapus/eraser/motion"
	"github.com/mastercactapus/eraser/program"
)

type Machine interface {
	Go(ctx context.Context, axis string, steps float64, reverse bool, mul float64) error
	Run(ctx context.Context, blocks []program.Block) error
	Program(name string) ([]program.Block, error)

	Reset(ctx context.Context) error
	Manual(ctx context.Context) error
	FullSweep(ctx context.Context) error
	Jog(ctx context.Context, direction string) error
	Stop()

	State() chan motion.State
	CurrentState() motion.State
}

var _ Machine = &motion.Machine{}
