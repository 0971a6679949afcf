package program

import (
	"fmt"
	"strings"
)

// Block is one line of a move program. A valid block has exactly one
// action word.
type Block []Word

func (b Block) Arg(w byte) (bool, float64) {
	for _, g := range b {
		if g.W == w {
			return true, g.Arg
		}
	}
	return false, 0
}

func (b Block) SetArg(w byte, val float64) {
	for i, g := range b {
		if g.W == w {
			b[i].Arg = val
			return
		}
	}
}

// Action returns the action word of the block.
func (b Block) Action() (Word, bool) {
	for _, g := range b {
		if g.IsAction() {
			return g, true
		}
	}
	return Word{}, false
}

func (b Block) Clone() Block {
	c := make(Block, len(b))
	copy(c, b)
	return c
}

func (b Block) String() string {
	var sb strings.Builder
	for _, g := range b {
		sb.WriteString(g.String())
	}
	return sb.String()
}

func (b Block) Validate() error {
	var checkWord [256]bool
	var actions int
	for _, g := range b {
		if !g.IsValid() {
			return fmt.Errorf("invalid word in block: %s", g)
		}
		if checkWord[g.W] {
			return fmt.Errorf("word was repeated in a block: %c", g.W)
		}
		checkWord[g.W] = true
		if g.IsAction() {
			actions++
		}

		switch g.W {
		case 'S':
			if g.Arg <= 0 {
				return fmt.Errorf("speed multiplier must be positive: %s", g)
			}
		case 'P':
			if g.Arg <= 0 {
				return fmt.Errorf("pump pulse must be positive: %s", g)
			}
		case 'D':
			if g.Arg < 0 {
				return fmt.Errorf("dwell must not be negative: %s", g)
			}
		case 'H':
			if g.Arg != 0 && g.Arg != 1 {
				return fmt.Errorf("hold must be H0 or H1: %s", g)
			}
		}
	}

	switch {
	case actions == 0:
		return fmt.Errorf("block has no action: %s", b)
	case actions > 1:
		return fmt.Errorf("multiple actions in one block: %s", b)
	}
	if checkWord['S'] && !(checkWord['X'] || checkWord['Y'] || checkWord['Z']) {
		return fmt.Errorf("speed multiplier without an axis move: %s", b)
	}

	return nil
}

// ValidateAll checks every block, reporting the first failure by line.
func ValidateAll(blocks []Block) error {
	for i, b := range blocks {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}
