// Package sim provides a deterministic mount-and-star simulator so the
// whole guiding loop, including backlash measurement, can run without
// hardware.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"decguide/internal/guide"
)

type Config struct {
	// Mechanical model.
	BacklashMs    int     // dead zone consumed after a dec reversal
	StictionMs    int     // extra dead time released late on the move after a reversal
	RatePxPerMs   float64 // true mount motion at guide speed
	DriftPxPerSec float64 // polar-alignment drift, positive = north
	SeeingPx      float64 // gaussian jitter sigma on the star position

	// Camera geometry.
	Width  int
	Height int
	StartX float64
	StartY float64

	ExposureMs int
	Seed       int64
}

// Mount simulates the declination axis of a mount plus the star image it
// produces. Pulse applies motion through a backlash dead-zone model;
// NextFrame paces the exposure clock and reports the jittered star
// position.
type Mount struct {
	cfg Config

	mu        sync.Mutex
	decPos    float64 // true mount position, px, north positive
	lastDir   guide.Direction
	slackMs   float64 // dead zone remaining before motion resumes
	heldPx   float64 // motion captured by stiction, released next pulse
	driftAcc float64
	rng      *rand.Rand
}

func New(cfg Config) *Mount {
	if cfg.RatePxPerMs <= 0 {
		cfg.RatePxPerMs = 0.05
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 1024
	}
	if cfg.StartX == 0 {
		cfg.StartX = float64(cfg.Width) / 2
	}
	if cfg.StartY == 0 {
		cfg.StartY = float64(cfg.Height) / 2
	}
	if cfg.ExposureMs <= 0 {
		cfg.ExposureMs = 1000
	}
	return &Mount{cfg: cfg, lastDir: guide.None, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Pulse applies a guide pulse through the backlash model. Declination
// reversals first consume the dead zone; with stiction configured, the
// first motion after a reversal is partly withheld and released on the
// following pulse.
func (m *Mount) Pulse(dir guide.Direction, ms int) error {
	if dir != guide.North && dir != guide.South {
		return nil // RA is not modeled
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastDir != guide.None && dir != m.lastDir {
		m.slackMs = float64(m.cfg.BacklashMs)
		m.heldPx = 0
	}
	m.lastDir = dir

	effMs := float64(ms)
	if m.slackMs > 0 {
		use := effMs
		if use > m.slackMs {
			use = m.slackMs
		}
		m.slackMs -= use
		effMs -= use
		if effMs > 0 && m.cfg.StictionMs > 0 {
			// The gear train just re-engaged: withhold the first
			// StictionMs worth of motion and release it late.
			hold := float64(m.cfg.StictionMs)
			if hold > effMs {
				hold = effMs
			}
			m.heldPx = sign(dir) * hold * m.cfg.RatePxPerMs
			effMs -= hold
		}
	} else if m.heldPx != 0 {
		m.decPos += m.heldPx
		m.heldPx = 0
	}

	m.decPos += sign(dir) * effMs * m.cfg.RatePxPerMs
	return nil
}

func sign(dir guide.Direction) float64 {
	if dir == guide.North {
		return 1
	}
	return -1
}

func (m *Mount) Close() error { return nil }

// NextFrame blocks for one exposure and returns the star position in
// camera coordinates.
func (m *Mount) NextFrame(ctx context.Context) (guide.Point, error) {
	select {
	case <-ctx.Done():
		return guide.Point{}, ctx.Err()
	case <-time.After(time.Duration(m.cfg.ExposureMs) * time.Millisecond):
	}
	return m.snapFrame(time.Duration(m.cfg.ExposureMs) * time.Millisecond), nil
}

// snapFrame advances drift by dt and samples the star.
func (m *Mount) snapFrame(dt time.Duration) guide.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftAcc += m.cfg.DriftPxPerSec * dt.Seconds()
	jitter := 0.0
	if m.cfg.SeeingPx > 0 {
		jitter = m.rng.NormFloat64() * m.cfg.SeeingPx
	}
	return guide.Point{
		X: m.cfg.StartX,
		Y: m.cfg.StartY + m.decPos + m.driftAcc + jitter,
	}
}

// StepFrame is NextFrame without the exposure wait, for tests and for
// callers that pace themselves.
func (m *Mount) StepFrame(dt time.Duration) guide.Point {
	return m.snapFrame(dt)
}

// DecPosition reports the true mount position, for tests.
func (m *Mount) DecPosition() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decPos
}

func (m *Mount) FullSize() (width, height int) {
	return m.cfg.Width, m.cfg.Height
}
