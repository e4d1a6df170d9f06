package backlash

import (
	"math"
	"sort"
)

// MeasurementResult is the verdict of a backlash measurement run.
type MeasurementResult int

const (
	MeasurementValid MeasurementResult = iota
	MeasurementNotCleared
	MeasurementSanity
	MeasurementTooFewNorth
	MeasurementTooFewSouth
)

func (r MeasurementResult) String() string {
	switch r {
	case MeasurementValid:
		return "valid"
	case MeasurementNotCleared:
		return "backlash-not-cleared"
	case MeasurementSanity:
		return "sanity-failure"
	case MeasurementTooFewNorth:
		return "too-few-north"
	case MeasurementTooFewSouth:
		return "too-few-south"
	default:
		return "unknown"
	}
}

// ComputeBacklashPx estimates the apparent backlash by looking at the
// first south moves, watching for the point where the mount moves
// consistently at the expected rate. The goal is a good seed value for
// compensation, not an accurate characterization of the hardware.
//
// northSteps and southSteps are the per-frame declination positions in
// mount coordinates; fallbackRate is the calibrated north rate in px/ms,
// reported back when too few north steps exist to measure one.
func ComputeBacklashPx(northSteps, southSteps []float64, startMs, endMs int64,
	driftPerSec float64, pulseWidthMs int, fallbackRate float64) (blPx float64, blMs int, northRate float64, rslt MeasurementResult) {

	northRate = fallbackRate
	if len(northSteps) <= 3 {
		return 0, 0, northRate, MeasurementTooFewNorth
	}

	// Sorted list of north deltas gives us a median move amount.
	sortedMoves := make([]float64, 0, len(northSteps)-1)
	northDelta := 0.0
	for inx := 1; inx < len(northSteps); inx++ {
		delta := northSteps[inx] - northSteps[inx-1]
		sortedMoves = append(sortedMoves, delta)
		northDelta += delta
	}
	sort.Float64s(sortedMoves)

	// Drift-related corrections for the whole north measurement period.
	driftAmtPx := driftPerSec * float64(endMs-startMs) / 1000
	stepCount := len(sortedMoves)
	northRate = math.Abs((northDelta - driftAmtPx) / (float64(stepCount) * float64(pulseWidthMs)))
	driftPxPerFrame := driftAmtPx / float64(stepCount)

	// Expect 90% of the median north move; the slack sidesteps mounts
	// whose south rate never quite matches the north rate even though
	// they are moving consistently.
	expectedAmount := 0.9 * sortedMoves[stepCount/2]
	expectedMagnitude := math.Abs(expectedAmount)

	earlySouthMoves := 0.0
	goodSouthMoves := 0
	for step := 1; step < len(southSteps); step++ {
		southMove := southSteps[step] - southSteps[step-1]
		earlySouthMoves += southMove
		if math.Abs(southMove) >= expectedMagnitude && southMove < 0 {
			goodSouthMoves++
			// Two consecutive qualifying south moves sidestep a
			// "false start" south.
			if goodSouthMoves == 2 {
				blPx = float64(step)*expectedMagnitude - math.Abs(earlySouthMoves-float64(step)*driftPxPerFrame)
				switch {
				case blPx*northRate < -200:
					rslt = MeasurementSanity
				case blPx >= 0.7*northDelta:
					rslt = MeasurementTooFewNorth
				default:
					rslt = MeasurementValid
				}
				if blPx < 0 {
					blPx = 0
				}
				blMs = int(math.Round(blPx / northRate))
				return blPx, blMs, northRate, rslt
			}
		} else if goodSouthMoves > 0 {
			goodSouthMoves--
		}
	}
	return 0, 0, northRate, MeasurementTooFewSouth
}

// MeasurementSigma reports the 1-sigma uncertainty of a measurement:
// sigma of the mean for north moves plus the sigma of the two south
// measurements, added in quadrature.
func MeasurementSigma(stats RunningStats, rslt MeasurementResult, northRate float64) (sigmaPx, sigmaMs float64) {
	if (rslt == MeasurementValid || rslt == MeasurementTooFewNorth) && stats.Count > 1 {
		sigmaPx = math.Sqrt(stats.SS/float64(stats.Count) + 2*stats.SS/float64(stats.Count-1))
		sigmaMs = sigmaPx / northRate
	}
	return sigmaPx, sigmaMs
}
