//go:build linux

// Package st4 drives an ST-4 style guide port: four opto-isolated lines
// (north, south, east, west) pulled low for the duration of a pulse,
// wired through the Linux GPIO character device.
package st4

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"decguide/internal/guide"
)

type Config struct {
	Chip      string
	NorthLine int
	SouthLine int
	EastLine  int
	WestLine  int
}

type Port struct {
	chip  *gpiocdev.Chip
	lines map[guide.Direction]*gpiocdev.Line
}

func Open(cfg Config) (*Port, error) {
	if cfg.Chip == "" {
		cfg.Chip = "/dev/gpiochip0"
	}
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("st4: open %s: %w", cfg.Chip, err)
	}
	p := &Port{chip: chip, lines: make(map[guide.Direction]*gpiocdev.Line)}
	offsets := map[guide.Direction]int{
		guide.North: cfg.NorthLine,
		guide.South: cfg.SouthLine,
		guide.East:  cfg.EastLine,
		guide.West:  cfg.WestLine,
	}
	for dir, offset := range offsets {
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("decguide-st4"))
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("st4: request line %d (%s): %w", offset, dir, err)
		}
		p.lines[dir] = line
	}
	return p, nil
}

// Pulse asserts the direction line for ms milliseconds. Pulses on the
// same port are serialized by the caller; the core never overlaps them.
func (p *Port) Pulse(dir guide.Direction, ms int) error {
	line, ok := p.lines[dir]
	if !ok {
		return fmt.Errorf("st4: no line for direction %s", dir)
	}
	if err := line.SetValue(1); err != nil {
		return err
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return line.SetValue(0)
}

func (p *Port) Close() error {
	var first error
	for _, line := range p.lines {
		// Graceful shutdown: release any asserted direction.
		_ = line.SetValue(0)
		if err := line.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.lines = nil
	if p.chip != nil {
		if err := p.chip.Close(); err != nil && first == nil {
			first = err
		}
		p.chip = nil
	}
	return first
}
