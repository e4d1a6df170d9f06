package backlash

import (
	"fmt"
	"math"
	"testing"
	"time"

	"decguide/internal/guide"
	"decguide/internal/sim"
)

// rig wires the measurement tool to the mount simulator, playing the
// roles of scope, guider frame and camera.
type rig struct {
	mount        *sim.Mount
	cal          Calibration
	calDur       int
	star         guide.Point
	maxMove      float64
	pixScale     float64
	measurement  bool
	transformErr error
}

func (r *rig) LastCalibration() Calibration { return r.cal }

func (r *rig) CalibrationDuration() int { return r.calDur }

func (r *rig) TransformCameraToMount(p guide.Point) (guide.Point, error) {
	if r.transformErr != nil {
		return guide.Point{}, r.transformErr
	}
	return p, nil
}

func (r *rig) ScheduleAxisMove(dir guide.Direction, ms int, opts guide.MoveOptions) {
	_ = r.mount.Pulse(dir, ms)
}
func (r *rig) CurrentPosition() guide.Point { return r.star }

func (r *rig) MaxMovePixels() float64 { return r.maxMove }

func (r *rig) PixelScale() float64 { return r.pixScale }

func (r *rig) EnableMeasurementMode(on bool) { r.measurement = on }

func (r *rig) FullSize() (int, int) { return r.mount.FullSize() }

func newRig(simCfg sim.Config) *rig {
	r := &rig{
		mount:    sim.New(simCfg),
		cal:      Calibration{Valid: true, YRate: 0.05},
		calDur:   750,
		maxMove:  20,
		pixScale: 1.5,
	}
	r.star = r.mount.StepFrame(0)
	return r
}

func newRigTool(t *testing.T, r *rig) *Tool {
	t.Helper()
	comp, _, _ := newComp(t, newFakeSettings())
	return NewTool(r, r, r, comp)
}

// runTool feeds frames until the machine reaches a terminal state.
func runTool(t *testing.T, r *rig, tool *Tool, maxFrames int) {
	t.Helper()
	for i := 0; i < maxFrames; i++ {
		if tool.State() == StateCompleted || tool.State() == StateAborted {
			return
		}
		r.star = r.mount.StepFrame(time.Second)
		tool.Step(r.star)
	}
	t.Fatalf("tool did not finish in %d frames, state=%s", maxFrames, tool.State())
}

func TestTool_MeasuresBacklash(t *testing.T) {
	r := newRig(sim.Config{BacklashMs: 300, RatePxPerMs: 0.05, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	if !r.measurement {
		t.Fatalf("measurement mode not enabled")
	}
	runTool(t, r, tool, 200)

	if tool.State() != StateCompleted {
		t.Fatalf("state=%s status=%q", tool.State(), tool.LastStatus())
	}
	if tool.Result() != MeasurementValid {
		t.Fatalf("result=%v want valid", tool.Result())
	}
	// The mount hides 300 ms of backlash; the estimate runs a little
	// low because the analyzer only sees whole-pulse quantization.
	if tool.BacklashMs() < 150 || tool.BacklashMs() > 350 {
		t.Fatalf("backlashMs=%d want near 300", tool.BacklashMs())
	}
	if tool.BacklashPx() <= 0 {
		t.Fatalf("backlashPx=%v want > 0", tool.BacklashPx())
	}
	if math.Abs(tool.NorthRate()-0.05) > 0.005 {
		t.Fatalf("northRate=%v want near 0.05", tool.NorthRate())
	}
	if len(tool.NorthSteps()) < 10 || len(tool.SouthSteps()) < 10 {
		t.Fatalf("step traces too short: %d north, %d south",
			len(tool.NorthSteps()), len(tool.SouthSteps()))
	}
	if r.measurement {
		t.Fatalf("measurement mode still enabled after wrapup")
	}
	// The restore phase walks back close to where we started.
	if d := math.Abs(r.mount.DecPosition()); d > 40 {
		t.Fatalf("mount finished %0.1f px from start", d)
	}
}

func TestTool_ClearingExemption(t *testing.T) {
	// The mount moves at 0.02 px/ms against a 0.05 calibration: every
	// clearing move is too small, but the cumulative travel qualifies.
	r := newRig(sim.Config{RatePxPerMs: 0.02, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	runTool(t, r, tool, 250)

	if tool.State() != StateCompleted {
		t.Fatalf("state=%s status=%q", tool.State(), tool.LastStatus())
	}
	if tool.Result() != MeasurementValid {
		t.Fatalf("result=%v want valid", tool.Result())
	}
	// No backlash in the model; the estimate clamps at zero.
	if tool.BacklashMs() != 0 {
		t.Fatalf("backlashMs=%d want 0", tool.BacklashMs())
	}
}

func TestTool_AbortsWhenBacklashNotCleared(t *testing.T) {
	// The mount barely responds; clearing can never succeed.
	r := newRig(sim.Config{RatePxPerMs: 0.0001, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	runTool(t, r, tool, 150)

	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted", tool.State())
	}
	if tool.Result() != MeasurementNotCleared {
		t.Fatalf("result=%v want backlash-not-cleared", tool.Result())
	}
	if r.measurement {
		t.Fatalf("measurement mode still enabled after abort")
	}
}

func TestTool_RefusesWithoutCalibration(t *testing.T) {
	r := newRig(sim.Config{RatePxPerMs: 0.05})
	r.cal = Calibration{}
	tool := newRigTool(t, r)
	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted at construction", tool.State())
	}
	tool.StartMeasurement(0)
	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted", tool.State())
	}
	if tool.LastStatus() == "" {
		t.Fatalf("expected a human-readable status")
	}
}

func TestTool_AbortsWhenOutOfRoomEarly(t *testing.T) {
	// A short frame: the star runs out of room well before half the
	// planned north pulses.
	r := newRig(sim.Config{RatePxPerMs: 0.05, Height: 200, StartY: 100, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	runTool(t, r, tool, 100)

	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted", tool.State())
	}
	if tool.Result() != MeasurementTooFewNorth {
		t.Fatalf("result=%v want too-few-north", tool.Result())
	}
}

func TestTool_StopMeasurement(t *testing.T) {
	r := newRig(sim.Config{BacklashMs: 300, RatePxPerMs: 0.05, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	for i := 0; i < 10; i++ {
		r.star = r.mount.StepFrame(time.Second)
		tool.Step(r.star)
	}
	tool.StopMeasurement()
	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted", tool.State())
	}
	if tool.LastStatus() != "Measurement halted" {
		t.Fatalf("status=%q", tool.LastStatus())
	}
	if r.measurement {
		t.Fatalf("measurement mode still enabled after stop")
	}
}

func TestTool_AbortsOnTransformFailure(t *testing.T) {
	r := newRig(sim.Config{RatePxPerMs: 0.05, Seed: 1})
	tool := newRigTool(t, r)
	tool.StartMeasurement(0)
	r.transformErr = fmt.Errorf("no calibration matrix")
	r.star = r.mount.StepFrame(time.Second)
	tool.Step(r.star)
	if tool.State() != StateAborted {
		t.Fatalf("state=%s want aborted", tool.State())
	}
}
