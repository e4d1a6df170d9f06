package backlash

import (
	"math"
	"testing"
)

// ramp returns n+1 positions starting at start with a constant step.
func ramp(start, step float64, n int) []float64 {
	out := make([]float64, 0, n+1)
	v := start
	for i := 0; i <= n; i++ {
		out = append(out, v)
		v += step
	}
	return out
}

func TestComputeBacklash_HappyPath(t *testing.T) {
	// 20 north deltas of 5 px at 100 ms per pulse: rate = 0.05 px/ms.
	north := ramp(0, 5, 20)
	// Three flat south frames (backlash) then consistent -5 moves.
	south := []float64{100, 100, 100, 100, 95, 90}

	blPx, blMs, rate, rslt := ComputeBacklashPx(north, south, 0, 20000, 0, 100, 0.05)
	if rslt != MeasurementValid {
		t.Fatalf("result=%v want valid", rslt)
	}
	if math.Abs(rate-0.05) > 1e-9 {
		t.Fatalf("north rate=%v want 0.05", rate)
	}
	// Good moves complete at step 5: 5*4.5 - 10 = 12.5 px.
	if math.Abs(blPx-12.5) > 1e-9 {
		t.Fatalf("blPx=%v want 12.5", blPx)
	}
	if blMs != 250 {
		t.Fatalf("blMs=%d want 250", blMs)
	}
}

func TestComputeBacklash_DriftCorrection(t *testing.T) {
	// Same mount as the happy path plus +0.01 px/s of drift over 20 s:
	// 0.2 px total, 0.01 px/frame.
	north := ramp(0, 5, 20)
	for i := range north {
		north[i] += 0.01 * float64(i)
	}
	south := []float64{100.2, 100.2, 100.2, 100.2, 95.2, 90.2}

	blPx, _, rate, rslt := ComputeBacklashPx(north, south, 0, 20000, 0.01, 100, 0.05)
	if rslt != MeasurementValid {
		t.Fatalf("result=%v want valid", rslt)
	}
	if math.Abs(rate-0.05) > 1e-6 {
		t.Fatalf("drift-corrected rate=%v want 0.05", rate)
	}
	if blPx <= 0 || math.Abs(blPx-12.5) > 0.5 {
		t.Fatalf("blPx=%v want about 12.5", blPx)
	}
}

func TestComputeBacklash_TooFewNorthSteps(t *testing.T) {
	_, _, rate, rslt := ComputeBacklashPx([]float64{0, 5, 10}, nil, 0, 0, 0, 100, 0.033)
	if rslt != MeasurementTooFewNorth {
		t.Fatalf("result=%v want too-few-north", rslt)
	}
	if rate != 0.033 {
		t.Fatalf("rate=%v want calibration fallback", rate)
	}
}

func TestComputeBacklash_WrongWaySouth(t *testing.T) {
	north := []float64{0, 5, 10, 15, 20, 25}
	// The mount keeps moving north during the south phase.
	south := []float64{25, 40, 60, 80, 100, 120}
	_, _, _, rslt := ComputeBacklashPx(north, south, 0, 5000, 0, 100, 0.05)
	if rslt != MeasurementTooFewSouth {
		t.Fatalf("result=%v want too-few-south", rslt)
	}
}

func TestComputeBacklash_SanityCheck(t *testing.T) {
	north := ramp(0, 5, 20)
	// Huge south moves produce a large negative estimate.
	south := []float64{100, -9900, -19900}
	blPx, _, _, rslt := ComputeBacklashPx(north, south, 0, 20000, 0, 100, 0.05)
	if rslt != MeasurementSanity {
		t.Fatalf("result=%v want sanity", rslt)
	}
	if blPx != 0 {
		t.Fatalf("negative estimate must clamp to zero, got %v", blPx)
	}
}

func TestComputeBacklash_LargeComparedToTravel(t *testing.T) {
	north := ramp(0, 5, 20)
	// 16 flat frames of backlash, then two clean moves: the estimate
	// rivals the total north travel.
	south := make([]float64, 0, 19)
	for i := 0; i < 17; i++ {
		south = append(south, 100)
	}
	south = append(south, 95, 90)
	blPx, _, _, rslt := ComputeBacklashPx(north, south, 0, 20000, 0, 100, 0.05)
	if rslt != MeasurementTooFewNorth {
		t.Fatalf("result=%v want too-few-north", rslt)
	}
	if blPx < 0.7*100 {
		t.Fatalf("blPx=%v expected to rival north travel", blPx)
	}
}

func TestComputeBacklash_FalseStartSouth(t *testing.T) {
	north := ramp(0, 5, 20)
	// One good-looking south move, then a stall: the counter must decay
	// and only a later consecutive pair completes the walk.
	south := []float64{100, 95, 95, 95, 90, 85}
	blPx, _, _, rslt := ComputeBacklashPx(north, south, 0, 20000, 0, 100, 0.05)
	if rslt != MeasurementValid {
		t.Fatalf("result=%v want valid", rslt)
	}
	// Walk completes at step 5 with 15 px of actual travel.
	if math.Abs(blPx-(5*4.5-15)) > 1e-9 {
		t.Fatalf("blPx=%v want 7.5", blPx)
	}
}

func TestMeasurementSigma(t *testing.T) {
	var stats RunningStats
	for _, v := range []float64{5, 5.2, 4.8, 5.1, 4.9} {
		stats.AddDelta(v)
	}
	sigmaPx, sigmaMs := MeasurementSigma(stats, MeasurementValid, 0.05)
	want := math.Sqrt(stats.SS/float64(stats.Count) + 2*stats.SS/float64(stats.Count-1))
	if math.Abs(sigmaPx-want) > 1e-12 {
		t.Fatalf("sigmaPx=%v want %v", sigmaPx, want)
	}
	if math.Abs(sigmaMs-want/0.05) > 1e-9 {
		t.Fatalf("sigmaMs=%v want %v", sigmaMs, want/0.05)
	}

	// An erratic run reports no sigma.
	if px, ms := MeasurementSigma(stats, MeasurementSanity, 0.05); px != 0 || ms != 0 {
		t.Fatalf("sanity sigma = %v/%v want 0/0", px, ms)
	}
}
