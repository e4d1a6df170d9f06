// Package guider runs the frame loop: it consumes per-exposure star
// positions, computes declination corrections, and feeds the backlash
// compensation and measurement subsystems.
package guider

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"decguide/internal/backlash"
	"decguide/internal/guide"
	"decguide/internal/scope"
)

// Frame is one guider exposure result.
type Frame struct {
	Time time.Time
	Star guide.Point
}

// FrameSource delivers star positions, one per exposure.
type FrameSource interface {
	NextFrame(ctx context.Context) (guide.Point, error)
}

// Camera exposes the sensor bounds.
type Camera interface {
	FullSize() (width, height int)
}

// FixedCamera is a Camera with statically configured bounds, for frame
// sources that do not know their sensor.
type FixedCamera struct {
	Width  int
	Height int
}

func (c FixedCamera) FullSize() (width, height int) { return c.Width, c.Height }

// StepEvent describes one processed frame, for telemetry and streaming.
type StepEvent struct {
	Time      time.Time `json:"time"`
	StarX     float64   `json:"star_x"`
	StarY     float64   `json:"star_y"`
	MountY    float64   `json:"mount_y"`
	DistPx    float64   `json:"dist_px"`
	Direction string    `json:"direction"`
	PulseMs   int       `json:"pulse_ms"`
	CompMs    int       `json:"comp_ms"`
	Measuring bool      `json:"measuring"`
}

// MeasurementEvent reports a finished backlash measurement run.
type MeasurementEvent struct {
	Time       time.Time `json:"time"`
	Result     string    `json:"result"`
	BacklashPx float64   `json:"backlash_px"`
	BacklashMs int       `json:"backlash_ms"`
	SigmaPx    float64   `json:"sigma_px"`
	Status     string    `json:"status"`
}

// Sink receives loop events. Implementations must not block.
type Sink interface {
	GuideStep(StepEvent)
	MeasurementDone(MeasurementEvent)
}

// Snapshot is the externally visible loop state.
type Snapshot struct {
	Guiding    bool      `json:"guiding"`
	Measuring  bool      `json:"measuring"`
	StarX      float64   `json:"star_x"`
	StarY      float64   `json:"star_y"`
	LockY      float64   `json:"lock_y"`
	LastDistPx float64   `json:"last_dist_px"`
	CompActive bool      `json:"comp_active"`
	CompPulse  int       `json:"comp_pulse_ms"`
	CompFloor  int       `json:"comp_floor_ms"`
	CompCeil   int       `json:"comp_ceiling_ms"`
	ToolState  string    `json:"tool_state,omitempty"`
	ToolStatus string    `json:"tool_status,omitempty"`
	BacklashPx float64   `json:"backlash_px,omitempty"`
	BacklashMs int       `json:"backlash_ms,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Config struct {
	MinMovePx  float64
	MaxMovePx  float64
	PixelScale float64 // arc-sec per px
	// DriftPerMin seeds the measurement tool's drift correction,
	// px/minute north.
	DriftPerMin float64
	// ApplyMeasurement programs the compensator with a successful
	// measurement result.
	ApplyMeasurement bool
}

// Loop is the cooperative dispatch core. All mutations of guiding state,
// history and the measurement machine happen on the Run goroutine; control
// methods enqueue onto ops and are drained between frames.
type Loop struct {
	cfg    Config
	src    FrameSource
	camera Camera
	scope  *scope.Scope
	comp   *backlash.Comp
	sinks  []Sink

	ops chan func()

	tool        *backlash.Tool
	measurement bool
	current     guide.Point
	lock        guide.Point
	haveLock    bool

	mu         sync.RWMutex
	snap       Snapshot
	northSteps []float64
	southSteps []float64
}

func New(cfg Config, src FrameSource, camera Camera, sc *scope.Scope, comp *backlash.Comp, sinks ...Sink) *Loop {
	if cfg.MinMovePx < 0 {
		cfg.MinMovePx = 0
	}
	if cfg.MaxMovePx <= 0 {
		cfg.MaxMovePx = 20
	}
	if cfg.PixelScale <= 0 {
		cfg.PixelScale = 1
	}
	return &Loop{
		cfg:    cfg,
		src:    src,
		camera: camera,
		scope:  sc,
		comp:   comp,
		sinks:  sinks,
		ops:    make(chan func(), 8),
	}
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Comp exposes the compensator for wiring; only touch it via ops once the
// loop is running.
func (l *Loop) Comp() *backlash.Comp { return l.comp }

// Do enqueues fn to run on the loop goroutine between frames.
func (l *Loop) Do(fn func()) {
	l.ops <- fn
}

// StartMeasurement begins a backlash measurement run on the next frame.
func (l *Loop) StartMeasurement() {
	l.Do(func() {
		if l.measurement {
			log.Printf("guider: measurement already running")
			return
		}
		t := backlash.NewTool(l.scope, l, l.camera, l.comp)
		if t.State() == backlash.StateAborted {
			log.Printf("guider: measurement refused: %s", t.LastStatus())
			l.emitMeasurement(t)
			return
		}
		l.tool = t
		t.StartMeasurement(l.cfg.DriftPerMin)
	})
}

// StopMeasurement halts a running measurement.
func (l *Loop) StopMeasurement() {
	l.Do(func() {
		if l.tool != nil {
			l.tool.StopMeasurement()
			l.finishMeasurement()
		}
	})
}

// Run drives the loop until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	log.Printf("guider: loop starting")
	for {
		star, err := l.src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("guider: loop stopping")
				return nil
			}
			log.Printf("guider: frame source error: %v", err)
			continue
		}
		l.drainOps()
		l.handleFrame(Frame{Time: time.Now().UTC(), Star: star})
	}
}

func (l *Loop) drainOps() {
	for {
		select {
		case fn := <-l.ops:
			fn()
		default:
			return
		}
	}
}

// ToolFrame implementation: the measurement tool sees the loop as its
// guider.

func (l *Loop) ScheduleAxisMove(dir guide.Direction, ms int, opts guide.MoveOptions) {
	if err := l.scope.Pulse(dir, ms); err != nil {
		log.Printf("guider: pulse %s %d ms failed: %v", dir, ms, err)
	}
}

func (l *Loop) CurrentPosition() guide.Point { return l.current }

func (l *Loop) MaxMovePixels() float64 { return l.cfg.MaxMovePx }

func (l *Loop) PixelScale() float64 { return l.cfg.PixelScale }

func (l *Loop) EnableMeasurementMode(on bool) {
	l.measurement = on
	if !on {
		// Re-acquire the lock position when normal guiding resumes.
		l.haveLock = false
	}
	log.Printf("guider: measurement mode %v", on)
}

func (l *Loop) handleFrame(f Frame) {
	l.current = f.Star
	if l.measurement && l.tool != nil {
		l.tool.Step(f.Star)
		switch l.tool.State() {
		case backlash.StateCompleted, backlash.StateAborted:
			l.finishMeasurement()
		}
		l.publishStep(f, StepEvent{Time: f.Time, StarX: f.Star.X, StarY: f.Star.Y, Measuring: true})
		return
	}
	l.guideStep(f)
}

func (l *Loop) guideStep(f Frame) {
	mount, err := l.scope.TransformCameraToMount(f.Star)
	if err != nil {
		log.Printf("guider: transform failed: %v", err)
		return
	}
	if !l.haveLock {
		l.lock = mount
		l.haveLock = true
		l.publishStep(f, StepEvent{Time: f.Time, StarX: f.Star.X, StarY: f.Star.Y, MountY: mount.Y})
		return
	}
	yDist := mount.Y - l.lock.Y
	yRate := l.scope.LastCalibration().YRate
	opts := guide.MoveGuideStep

	// This frame's deflection is the follow-up residual of the previous
	// pulse; feed the learning loop before deciding the next move.
	l.comp.TrackResult(opts, yDist, l.cfg.MinMovePx, yRate)

	dir := guide.None
	dur := 0
	comp := 0
	if math.Abs(yDist) >= l.cfg.MinMovePx && yRate > 0 {
		if yDist > 0 {
			dir = guide.South
		} else {
			dir = guide.North
		}
		dur = int(math.Round(math.Abs(yDist) / yRate))
		if dur > l.scope.MaxDecDuration() {
			dur = l.scope.MaxDecDuration()
		}
		before := dur
		l.comp.ApplyToMove(opts, dir, yDist, &dur)
		comp = dur - before
		l.ScheduleAxisMove(dir, dur, opts)
	}
	l.publishStep(f, StepEvent{
		Time: f.Time, StarX: f.Star.X, StarY: f.Star.Y, MountY: mount.Y,
		DistPx: yDist, Direction: dir.String(), PulseMs: dur, CompMs: comp,
	})
}

func (l *Loop) finishMeasurement() {
	t := l.tool
	if t == nil {
		return
	}
	l.tool = nil
	l.measurement = false
	l.emitMeasurement(t)
	if l.cfg.ApplyMeasurement && t.State() == backlash.StateCompleted &&
		(t.Result() == backlash.MeasurementValid) && t.BacklashMs() > 0 {
		log.Printf("guider: applying measured backlash pulse of %d ms", t.BacklashMs())
		l.comp.SetPulse(t.BacklashMs(), 0, 0)
		l.comp.Enable(true)
	}
}

func (l *Loop) emitMeasurement(t *backlash.Tool) {
	sigmaPx, _ := t.Sigma()
	ev := MeasurementEvent{
		Time:       time.Now().UTC(),
		Result:     t.Result().String(),
		BacklashPx: t.BacklashPx(),
		BacklashMs: t.BacklashMs(),
		SigmaPx:    sigmaPx,
		Status:     t.LastStatus(),
	}
	for _, s := range l.sinks {
		s.MeasurementDone(ev)
	}
	l.mu.Lock()
	l.snap.ToolState = t.State().String()
	l.snap.ToolStatus = t.LastStatus()
	l.snap.BacklashPx = t.BacklashPx()
	l.snap.BacklashMs = t.BacklashMs()
	l.northSteps = append([]float64(nil), t.NorthSteps()...)
	l.southSteps = append([]float64(nil), t.SouthSteps()...)
	l.mu.Unlock()
}

// MeasurementSteps returns the declination trace of the last measurement
// run, for hosts that want to render it.
func (l *Loop) MeasurementSteps() (north, south []float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]float64(nil), l.northSteps...), append([]float64(nil), l.southSteps...)
}

func (l *Loop) publishStep(f Frame, ev StepEvent) {
	for _, s := range l.sinks {
		s.GuideStep(ev)
	}
	l.mu.Lock()
	l.snap.Guiding = l.haveLock && !l.measurement
	l.snap.Measuring = l.measurement
	l.snap.StarX = f.Star.X
	l.snap.StarY = f.Star.Y
	l.snap.LockY = l.lock.Y
	l.snap.LastDistPx = ev.DistPx
	l.snap.CompActive = l.comp.Active()
	l.snap.CompPulse = l.comp.Pulse()
	l.snap.CompFloor = l.comp.Floor()
	l.snap.CompCeil = l.comp.Ceiling()
	if l.tool != nil {
		l.snap.ToolState = l.tool.State().String()
		l.snap.ToolStatus = l.tool.LastStatus()
	}
	l.snap.UpdatedAt = f.Time
	l.mu.Unlock()
}
