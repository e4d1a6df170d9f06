//go:build linux

// Package lx200 issues timed guide pulses over a Meade LX200-protocol
// serial link using the :Mg command family.
package lx200

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"decguide/internal/guide"
)

type Config struct {
	Port string
	Baud int
}

type Mount struct {
	f *os.File
}

func Open(cfg Config) (*Mount, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	f, err := openSerial(cfg.Port, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("lx200: open %s: %w", cfg.Port, err)
	}
	return &Mount{f: f}, nil
}

// Pulse sends a pulse-guide command; the mount times the pulse itself.
// The LX200 command caps durations at 9999 ms, comfortably above the
// 8000 ms compensation ceiling.
func (m *Mount) Pulse(dir guide.Direction, ms int) error {
	var code byte
	switch dir {
	case guide.North:
		code = 'n'
	case guide.South:
		code = 's'
	case guide.East:
		code = 'e'
	case guide.West:
		code = 'w'
	default:
		return fmt.Errorf("lx200: bad direction %s", dir)
	}
	if ms > 9999 {
		ms = 9999
	}
	_, err := fmt.Fprintf(m.f, ":Mg%c%04d#", code, ms)
	return err
}

func (m *Mount) Close() error {
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

func openSerial(path string, baud int) (*os.File, error) {
	flag := unix.O_RDWR | unix.O_NOCTTY
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, err
	}

	// Best-effort: if anything below fails, close fd.
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode: the LX200 protocol is '#'-terminated binary-ish text.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8

	// Block until at least 1 byte arrives and return as soon as it does;
	// with VMIN set, VTIME is only an inter-byte timer, not a read timeout.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 10

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed")
	}
	ok = true
	return f, nil
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
