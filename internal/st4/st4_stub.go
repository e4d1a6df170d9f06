//go:build !linux

package st4

import (
	"fmt"

	"decguide/internal/guide"
)

type Config struct {
	Chip      string
	NorthLine int
	SouthLine int
	EastLine  int
	WestLine  int
}

type Port struct{}

func Open(Config) (*Port, error) {
	return nil, fmt.Errorf("st4: guide port not supported on this platform")
}

func (p *Port) Pulse(dir guide.Direction, ms int) error {
	return fmt.Errorf("st4: guide port not supported on this platform")
}

func (p *Port) Close() error { return nil }
