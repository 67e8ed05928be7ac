package position

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

type file struct {
	Positions []Position `toml:"position"`
}

// LoadFile reads [[position]] tables from a TOML file, applies defaults and
// validates every entry. Duplicate names are rejected.
func LoadFile(path string) ([]Position, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode positions file %s: %w", path, err)
	}
	return finish(f.Positions)
}

// Load is LoadFile for an already-open reader.
func Load(r io.Reader) ([]Position, error) {
	var f file
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return finish(f.Positions)
}

func finish(positions []Position) ([]Position, error) {
	seen := make(map[string]bool, len(positions))
	for i := range positions {
		positions[i].Normalize()
		if err := positions[i].Validate(); err != nil {
			return nil, fmt.Errorf("position #%d: %w", i+1, err)
		}
		if seen[positions[i].Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidPosition, positions[i].Name)
		}
		seen[positions[i].Name] = true
	}
	return positions, nil
}
