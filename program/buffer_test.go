package program

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_Read(t *testing.T) {
	blocks := []Block{
		{{W: 'Y', Arg: -2}, {W: 'S', Arg: 1.5}},

		{{W: 'H', Arg: 0}},
	}

	gr := &BlocksReader{Blocks: blocks}

	b := NewBuffer(gr)

	buf := make([]byte, 20)
	n, err := b.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, []byte("Y-2S1.5\nH0\n"), buf[:n])

	n, err = b.Read(buf)
	assert.Error(t, err)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)
}

func TestBuffer_ReadShort(t *testing.T) {
	gr := &BlocksReader{Blocks: []Block{{{W: 'X', Arg: 10}}, {{W: 'D', Arg: 0.25}}}}
	data, err := io.ReadAll(NewBuffer(gr))
	assert.NoError(t, err)
	assert.Equal(t, "X10\nD0.25\n", string(data))
}
