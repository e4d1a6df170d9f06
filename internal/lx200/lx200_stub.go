//go:build !linux

package lx200

import (
	"fmt"

	"decguide/internal/guide"
)

type Config struct {
	Port string
	Baud int
}

type Mount struct{}

func Open(Config) (*Mount, error) {
	return nil, fmt.Errorf("lx200: serial mounts not supported on this platform")
}

func (m *Mount) Pulse(dir guide.Direction, ms int) error {
	return fmt.Errorf("lx200: serial mounts not supported on this platform")
}

func (m *Mount) Close() error { return nil }
