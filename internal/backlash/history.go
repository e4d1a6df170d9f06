package backlash

import (
	"log"
	"math"
)

const (
	historyDepth  = 10
	entryCapacity = 3
)

// CorrectionTuple records one residual observation. Miss > 0 means the
// previous pulse under-shot (more correction of the same sign was still
// needed); miss < 0 means it over-shot.
type CorrectionTuple struct {
	TimeSeconds int64
	Miss        float64
}

// Event is one compensated declination reversal. Corrections[0] is the
// deflection that triggered the compensation pulse; [1] and [2] are the
// two follow-up residuals used to classify the outcome.
type Event struct {
	Corrections       []CorrectionTuple
	InitialOvershoot  bool
	InitialUndershoot bool
	StictionSeen      bool
}

func newEvent(timeSecs int64, amount float64) Event {
	return Event{Corrections: []CorrectionTuple{{TimeSeconds: timeSecs, Miss: amount}}}
}

func (e *Event) addInfo(timeSecs int64, amount, minMove float64) {
	if len(e.Corrections) >= entryCapacity {
		return
	}
	e.Corrections = append(e.Corrections, CorrectionTuple{TimeSeconds: timeSecs, Miss: amount})
	if math.Abs(amount) <= minMove {
		return
	}
	switch len(e.Corrections) {
	case 2:
		if amount > 0 {
			e.InitialUndershoot = true
		} else {
			e.InitialOvershoot = true
		}
	case 3:
		// An undershoot followed by an overshoot is the signature of
		// static friction releasing late.
		e.StictionSeen = e.InitialUndershoot && amount < 0
	}
}

// RecentStats summarizes the most recent events in a History.
type RecentStats struct {
	ShortCount        int
	LongCount         int
	StictionCount     int
	AvgInitialMiss    float64
	AvgStictionAmount float64
}

// History is the bounded record of compensation events and their
// follow-up residuals. The newest event may have an open tracking window
// accepting up to two more residuals.
//
// Not safe for concurrent use; everything runs on the frame loop.
type History struct {
	events     []Event
	index      int
	windowOpen bool
	timeBase   int64
}

// NewHistory captures now (epoch seconds) as the time base; all recorded
// times are offsets from it.
func NewHistory(nowSecs int64) *History {
	return &History{index: -1, timeBase: nowSecs}
}

func (h *History) WindowOpen() bool { return h.windowOpen }

func (h *History) CloseWindow() { h.windowOpen = false }

// Current returns the newest event, or nil if the history is empty.
func (h *History) Current() *Event {
	if h.index < 0 {
		return nil
	}
	return &h.events[h.index]
}

func (h *History) Len() int { return len(h.events) }

// RecordNew opens a tracking window for a fresh compensation event,
// evicting the oldest event if the history is full.
func (h *History) RecordNew(whenSecs int64, triggerDeflection float64) {
	if len(h.events) >= historyDepth {
		h.events = h.events[1:]
		log.Printf("blc: oldest event removed")
	}
	h.events = append(h.events, newEvent(whenSecs-h.timeBase, triggerDeflection))
	h.index = len(h.events) - 1
	h.windowOpen = true
}

// AddDeflection appends a follow-up residual to the current event and
// closes the window once the event is full. Returns false (and closes the
// window) when there is no room for more.
func (h *History) AddDeflection(whenSecs int64, amount, minMove float64) bool {
	if h.windowOpen && h.index >= 0 && len(h.events[h.index].Corrections) < entryCapacity {
		h.events[h.index].addInfo(whenSecs-h.timeBase, amount, minMove)
		if len(h.events[h.index].Corrections) >= entryCapacity {
			h.windowOpen = false
		}
		return true
	}
	h.windowOpen = false
	log.Printf("blc: history window closed")
	return false
}

// RemoveOldestOvershoots deletes up to howMany of the oldest events whose
// first follow-up was an overshoot. The current event is never removed:
// it is the one driving the decision that wants the purge.
func (h *History) RemoveOldestOvershoots(howMany int) {
	for ct := 0; ct < howMany; ct++ {
		for inx := 0; inx < len(h.events)-1; inx++ {
			if h.events[inx].InitialOvershoot {
				h.events = append(h.events[:inx], h.events[inx+1:]...)
				h.index = len(h.events) - 1
				break
			}
		}
	}
}

func (h *History) Clear() {
	h.events = nil
	h.index = -1
	log.Printf("blc: history cleared")
}

// Stats summarizes the last up-to-depth events ending at the current one.
func (h *History) Stats(depth int) RecentStats {
	var r RecentStats
	if h.index < 0 {
		return r
	}
	bottom := h.index - (depth - 1)
	if bottom < 0 {
		bottom = 0
	}
	var sum, stictionSum float64
	ct := 0
	for inx := h.index; inx >= bottom; inx-- {
		evt := &h.events[inx]
		if evt.InitialOvershoot {
			r.LongCount++
		} else {
			r.ShortCount++
		}
		if evt.StictionSeen {
			r.StictionCount++
			stictionSum += evt.Corrections[2].Miss
		}
		// Average only the first misses immediately following the pulses.
		if len(evt.Corrections) > 1 {
			sum += evt.Corrections[1].Miss
			ct++
		}
	}
	if ct > 0 {
		r.AvgInitialMiss = sum / float64(ct)
	}
	if r.StictionCount > 0 {
		r.AvgStictionAmount = stictionSum / float64(r.StictionCount)
	}
	return r
}

// AdjustmentNeeded is the adaptation policy. It returns a signed pulse
// adjustment in milliseconds and whether an adjustment should be applied.
// Every decision path closes the tracking window except the undershoot
// case that is still waiting for a second follow-up residual.
func (h *History) AdjustmentNeeded(miss, minMove, yRate float64) (float64, bool) {
	if h.index < 0 {
		return 0, false
	}
	stats := h.Stats(historyDepth)
	curr := &h.events[h.index]
	log.Printf("blc: history state currMiss=%.2f avgInitMiss=%.2f short=%d long=%d stiction=%d",
		miss, stats.AvgInitialMiss, stats.ShortCount, stats.LongCount, stats.StictionCount)

	if math.Abs(miss) < minMove {
		h.windowOpen = false
		log.Printf("blc: no correction, miss below min-move, window closed")
		return 0, false
	}

	corr := math.Round(math.Abs(stats.AvgInitialMiss) / yRate)

	if miss > 0 {
		// Under-shoot.
		if stats.AvgInitialMiss <= 0 {
			h.windowOpen = false
			log.Printf("blc: under-shoot, avg initial miss <= 0, window closed")
			return 0, false
		}
		if len(curr.Corrections) < entryCapacity {
			// Don't adjust before both follow-up displacements are in.
			log.Printf("blc: under-shoot, waiting for more data")
			return 0, false
		}
		h.windowOpen = false
		if stats.StictionCount > 2 {
			log.Printf("blc: under-shoot, no adjustment because of stiction history, window closed")
			return 0, false
		}
		if stats.LongCount >= 2 {
			log.Printf("blc: under-shoot, no adjustment because of over-shoot history, window closed")
			return 0, false
		}
		log.Printf("blc: under-shoot, nominal increase by %.0f, window closed", corr)
		return corr, true
	}

	// Over-shoot.
	h.windowOpen = false
	if stats.AvgInitialMiss >= 0 && stats.LongCount <= stats.ShortCount && !curr.StictionSeen {
		log.Printf("blc: over-shoot, no adjustment, window closed")
		return 0, false
	}
	if len(curr.Corrections) == entryCapacity {
		if curr.StictionSeen {
			// Seeing plus a low min-move can look like stiction;
			// don't react to the first event.
			if stats.StictionCount > 1 {
				stictionCorr := math.Round(math.Abs(stats.AvgStictionAmount) / yRate)
				log.Printf("blc: over-shoot, stiction seen, nominal decrease by %.0f, window closed", stictionCorr)
				return -stictionCorr, true
			}
			log.Printf("blc: over-shoot, first stiction event, no adjustment, window closed")
			return 0, false
		}
		return 0, false
	}
	if stats.LongCount > stats.ShortCount && h.index >= 4 {
		h.RemoveOldestOvershoots(2)
		log.Printf("blc: recent history of over-shoots, nominal decrease by %.0f, window closed", corr)
		return -corr, true
	}
	if math.Abs(stats.AvgInitialMiss) > minMove {
		log.Printf("blc: average miss indicates over-shooting, nominal decrease by %.0f, window closed", corr)
		return -corr, true
	}
	log.Printf("blc: over-shoot, no correction because of small average miss, window closed")
	return 0, false
}
