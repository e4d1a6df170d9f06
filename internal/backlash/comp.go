package backlash

import (
	"log"
	"math"
	"time"

	"decguide/internal/guide"
)

const (
	// PulseMin is the smallest adjustable pulse, small enough to
	// effectively disable compensation.
	PulseMin = 20
	// PulseMax caps the compensation pulse.
	PulseMax = 8000
)

// MountLink is the slice of the scope driver the compensator needs.
type MountLink interface {
	MountClassName() string
	MaxDecDuration() int
	SetMaxDecDuration(ms int)
}

// Settings is the injected per-mount-class key/value store.
type Settings interface {
	GetInt(key string, def int) int
	SetInt(key string, v int)
	GetBool(key string, def bool) bool
	SetBool(key string, v bool)
}

// Notifier receives guiding-parameter change notifications for the host.
type Notifier func(name string, value any)

// Comp is the runtime backlash compensation loop. On each declination
// direction reversal it injects the learned pulse, then watches the next
// two residuals to decide whether the pulse should grow or shrink.
//
// Comp never fails: bad inputs are treated as no-ops.
type Comp struct {
	scope    MountLink
	settings Settings
	notify   Notifier
	history  *History
	nowSecs  func() int64

	pulseWidth    int
	floor         int
	ceiling       int
	fixedSize     bool
	active        bool
	lastDirection guide.Direction
}

// NewComp loads persisted settings for the scope's mount class.
// Compensation only comes up enabled when a stored pulse > 0 exists.
func NewComp(scope MountLink, settings Settings, notify Notifier) *Comp {
	c := &Comp{
		scope:         scope,
		settings:      settings,
		notify:        notify,
		nowSecs:       func() int64 { return time.Now().Unix() },
		lastDirection: guide.None,
	}
	c.history = NewHistory(c.nowSecs())
	lastAmt := settings.GetInt(c.key("DecBacklashPulse"), 0)
	lastFloor := settings.GetInt(c.key("DecBacklashFloor"), 0)
	lastCeiling := settings.GetInt(c.key("DecBacklashCeiling"), 0)
	if lastAmt > 0 {
		c.active = settings.GetBool(c.key("BacklashCompEnabled"), false)
	}
	c.setValues(lastAmt, lastFloor, lastCeiling)
	if c.active {
		log.Printf("blc: enabled with pulse=%d ms floor=%d ceiling=%d fixed=%v",
			c.pulseWidth, c.floor, c.ceiling, c.fixedSize)
	} else {
		log.Printf("blc: backlash compensation is disabled")
	}
	return c
}

func (c *Comp) key(name string) string {
	return "/" + c.scope.MountClassName() + "/" + name
}

func (c *Comp) Active() bool { return c.active }

func (c *Comp) Pulse() int { return c.pulseWidth }

func (c *Comp) Floor() int { return c.floor }

func (c *Comp) Ceiling() int { return c.ceiling }

func (c *Comp) Fixed() bool { return c.fixedSize }

func (c *Comp) History() *History { return c.history }

// setValues normalizes the pulse, floor and ceiling so they comply with
// limits, and may raise the scope's max declination duration.
func (c *Comp) setValues(requested, floor, ceiling int) {
	c.pulseWidth = clampInt(requested, 0, PulseMax)
	if floor > c.pulseWidth || floor < PulseMin {
		c.floor = PulseMin
	} else {
		c.floor = floor
	}
	if ceiling < c.pulseWidth {
		c.ceiling = minInt(int(1.5*float64(c.pulseWidth)), PulseMax)
	} else {
		c.ceiling = minInt(ceiling, PulseMax)
	}
	c.fixedSize = absInt(c.ceiling-c.floor) < PulseMin
	if c.pulseWidth > c.scope.MaxDecDuration() && c.active {
		c.scope.SetMaxDecDuration(c.pulseWidth)
	}
}

// SetPulse programs a new compensation pulse and adjustment bounds.
// A change of more than 100 ms invalidates the learning history.
func (c *Comp) SetPulse(ms, floor, ceiling int) {
	if c.pulseWidth != ms || c.floor != floor || c.ceiling != ceiling {
		oldPulse := c.pulseWidth
		c.setValues(ms, floor, ceiling)
		c.notify("Backlash comp amount", c.pulseWidth)
		log.Printf("blc: comp pulse set to %d ms, floor=%d ceiling=%d fixed=%v",
			c.pulseWidth, c.floor, c.ceiling, c.fixedSize)
		if absInt(c.pulseWidth-oldPulse) > 100 {
			c.history.Clear()
			c.history.CloseWindow()
		}
	}
	c.settings.SetInt(c.key("DecBacklashPulse"), c.pulseWidth)
	c.settings.SetInt(c.key("DecBacklashFloor"), c.floor)
	c.settings.SetInt(c.key("DecBacklashCeiling"), c.ceiling)
}

// Enable turns compensation on or off, notifying the host on transitions.
func (c *Comp) Enable(on bool) {
	if c.active != on {
		c.notify("Backlash comp enabled", on)
		if on {
			c.resetBaseline()
		}
	}
	c.active = on
	c.settings.SetBool(c.key("BacklashCompEnabled"), c.active)
	log.Printf("blc: backlash comp enabled=%v pulse=%d ms", c.active, c.pulseWidth)
}

// ResetBaseline forgets the last commanded direction and closes any open
// tracking window. Call after any move that bypasses the algorithm
// (calibration, dither recovery).
func (c *Comp) ResetBaseline() {
	if c.active {
		c.resetBaseline()
	}
}

func (c *Comp) resetBaseline() {
	c.lastDirection = guide.None
	c.history.CloseWindow()
	log.Printf("blc: last direction was reset")
}

// ApplyToMove possibly adds the compensation pulse to the pending
// declination amount. Call before every declination pulse is sent.
func (c *Comp) ApplyToMove(opts guide.MoveOptions, dir guide.Direction, yDist float64, yAmount *int) {
	if !c.active || c.pulseWidth <= 0 || yDist == 0 {
		return
	}
	isAlgoResult := opts&guide.MoveAlgoResult != 0
	if c.lastDirection != guide.None && dir != c.lastDirection {
		*yAmount += c.pulseWidth
		if isAlgoResult {
			// Only track results or make adjustments for
			// algorithm-controlled compensations.
			c.history.RecordNew(c.nowSecs(), yDist)
		} else {
			c.history.CloseWindow()
			log.Printf("blc: compensation fired for non-algo move, not tracked")
		}
		log.Printf("blc: dec reversal from %s to %s, comp pulse of %d ms applied",
			c.lastDirection, dir, c.pulseWidth)
	}
	c.lastDirection = dir
}

// TrackResult feeds the residual of the latest frame back into the
// learning loop. Call after each frame's resulting move is issued.
func (c *Comp) TrackResult(opts guide.MoveOptions, yDist, minMove, yRate float64) {
	if !c.active {
		return
	}
	if opts&guide.MoveUseBLC == 0 {
		// A calibration-type move can change declination without
		// telling us about direction.
		c.ResetBaseline()
		return
	}
	if opts&guide.MoveAlgoResult == 0 {
		// A non-algorithm move happened inside a tracking window.
		c.history.CloseWindow()
		return
	}
	if c.history.WindowOpen() && !c.fixedSize {
		c.trackResult(yDist, minMove, yRate)
	}
}

func (c *Comp) trackResult(yDist, minMove, yRate float64) {
	// Sign convention has nothing to do with north or south, only
	// whether we needed more correction (+) or less (-).
	dir := guide.Up
	if yDist > 0 {
		dir = guide.Down
	}
	miss := math.Abs(yDist)
	if dir != c.lastDirection {
		miss = -miss
	}
	minMove = math.Max(minMove, 0) // algo with no min-move reports -1

	c.history.AddDeflection(c.nowSecs(), miss, minMove)
	adj, ok := c.history.AdjustmentNeeded(miss, minMove, yRate)
	if !ok {
		return
	}
	nominal := float64(c.pulseWidth) + adj
	var newPulse int
	if adj > 0 {
		newPulse = int(math.Round(math.Min(float64(c.pulseWidth)*1.1, nominal)))
		if newPulse > c.ceiling {
			log.Printf("blc: pulse increase limited by ceiling of %d", c.ceiling)
			newPulse = c.ceiling
		}
	} else {
		newPulse = int(math.Round(math.Max(float64(c.pulseWidth)*0.8, nominal)))
		if newPulse < c.floor {
			log.Printf("blc: pulse decrease limited by floor of %d", c.floor)
			newPulse = c.floor
		}
	}
	log.Printf("blc: pulse adjusted to %d", newPulse)
	// Adaptive adjustments bypass SetPulse so a legitimate large step
	// does not wipe the history that produced it.
	c.settings.SetInt(c.key("DecBacklashPulse"), newPulse)
	c.setValues(newPulse, c.floor, c.ceiling)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
