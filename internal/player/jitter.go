// ABOUTME: Adaptive jitter buffer state for one peer
// ABOUTME: Schedules blocks onto the output timeline and adapts the target lead time
package player

import "time"

// JitterConfig bounds and paces lead time adaptation
type JitterConfig struct {
	MinLead       time.Duration `mapstructure:"min_lead"`
	MaxLead       time.Duration `mapstructure:"max_lead"`
	GrowStep      time.Duration `mapstructure:"grow_step"`
	ShrinkStep    time.Duration `mapstructure:"shrink_step"`
	StableWindow  time.Duration `mapstructure:"stable_window"`
	AdaptCooldown time.Duration `mapstructure:"adapt_cooldown"`
	ShrinkMargin  time.Duration `mapstructure:"shrink_margin"`
}

// DefaultJitterConfig grows fast and shrinks slowly
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MinLead:       60 * time.Millisecond,
		MaxLead:       400 * time.Millisecond,
		GrowStep:      40 * time.Millisecond,
		ShrinkStep:    10 * time.Millisecond,
		StableWindow:  3 * time.Second,
		AdaptCooldown: time.Second,
		ShrinkMargin:  10 * time.Millisecond,
	}
}

// normalize fills unset leads, steps and windows from the defaults and
// keeps MaxLead >= MinLead. A zero ShrinkMargin is kept.
func (c JitterConfig) normalize() JitterConfig {
	d := DefaultJitterConfig()
	if c.MinLead <= 0 {
		c.MinLead = d.MinLead
	}
	if c.MaxLead <= 0 {
		c.MaxLead = d.MaxLead
	}
	if c.MaxLead < c.MinLead {
		c.MaxLead = c.MinLead
	}
	if c.GrowStep <= 0 {
		c.GrowStep = d.GrowStep
	}
	if c.ShrinkStep <= 0 {
		c.ShrinkStep = d.ShrinkStep
	}
	if c.StableWindow <= 0 {
		c.StableWindow = d.StableWindow
	}
	if c.AdaptCooldown <= 0 {
		c.AdaptCooldown = d.AdaptCooldown
	}
	if c.ShrinkMargin < 0 {
		c.ShrinkMargin = 0
	}
	return c
}

// State is the scheduling state of one peer
type State int

const (
	StateUninitialized State = iota
	StateScheduling
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateScheduling:
		return "scheduling"
	case StateRecovering:
		return "recovering"
	default:
		return "closed"
	}
}

// jitter holds one peer's cursor and lead. All times are positions on the
// output device timeline.
type jitter struct {
	cfg          JitterConfig
	state        State
	next         time.Duration
	target       time.Duration
	lastUnderrun time.Duration
	lastAdapt    time.Duration
	underruns    int64
}

func newJitter(cfg JitterConfig) *jitter {
	cfg = cfg.normalize()
	return &jitter{cfg: cfg, target: cfg.MinLead}
}

// schedule returns the start position for a block of length dur arriving
// at now. Blocks are placed strictly in call order.
func (j *jitter) schedule(now, dur time.Duration) time.Duration {
	underrun := false
	switch {
	case j.state == StateUninitialized:
		j.next = now + j.cfg.MinLead
		j.lastUnderrun = now
		j.lastAdapt = now
		j.state = StateScheduling
	case j.next < now:
		j.underruns++
		underrun = true
		j.target = min(j.target+j.cfg.GrowStep, j.cfg.MaxLead)
		j.next = now + j.target
		j.lastUnderrun = now
		j.lastAdapt = now
		j.state = StateRecovering
	default:
		j.state = StateScheduling
	}

	start := max(j.next, now+j.target)
	j.next = start + dur

	// An underrun step only ever grows the target
	if !underrun &&
		now-j.lastUnderrun >= j.cfg.StableWindow &&
		now-j.lastAdapt >= j.cfg.AdaptCooldown &&
		j.ahead(now) > j.target+j.cfg.ShrinkMargin &&
		j.target > j.cfg.MinLead {
		// The cursor stays where it is; only the floor for new blocks drops
		j.target = max(j.target-j.cfg.ShrinkStep, j.cfg.MinLead)
		j.lastAdapt = now
	}
	return start
}

// ahead is how much audio is queued past now
func (j *jitter) ahead(now time.Duration) time.Duration {
	if j.state == StateUninitialized || j.next <= now {
		return 0
	}
	return j.next - now
}
