package program

import (
	"bytes"
	"io"
)

// Parse reads every block of data and validates them.
func Parse(data string) ([]Block, error) {
	r := NewParser(bytes.NewBufferString(data))
	var b []Block
	for {
		bl, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		b = append(b, bl)
	}
	if err := ValidateAll(b); err != nil {
		return nil, err
	}
	return b, nil
}

func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}
