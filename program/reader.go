package program

import "io"

// Reader yields the blocks of a program one at a time. It returns io.EOF
// after the last block.
type Reader interface {
	Read() (Block, error)
}

// BlocksReader reads a program that is already in memory, such as a
// generated routine.
type BlocksReader struct {
	Blocks []Block
	next   int
}

func (r *BlocksReader) Read() (Block, error) {
	if r.next >= len(r.Blocks) {
		return nil, io.EOF
	}
	b := r.Blocks[r.next]
	r.next++
	return b, nil
}
