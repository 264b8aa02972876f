package qi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"qifan-go/types"
)

// DefaultPeriod is the control step interval.
const DefaultPeriod = 20 * time.Millisecond

// Clock abstracts time for the worker so tests can run it virtually.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller is the Idle/Running state machine. Step must only be called
// from one goroutine; it is the sole writer of the state and the motors.
type Controller struct {
	cfg    *Config
	det    *Detector
	motors *Motors
	tel    *Telemetry
	clock  Clock
	log    zerolog.Logger

	period             atomic.Int64 // time.Duration
	abortKickOnDisable atomic.Bool

	state types.ControllerState
}

func NewController(cfg *Config, det *Detector, motors *Motors, tel *Telemetry, clock Clock, log zerolog.Logger) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if tel == nil {
		tel = NewTelemetry()
	}
	c := &Controller{cfg: cfg, det: det, motors: motors, tel: tel, clock: clock, log: log}
	c.period.Store(int64(DefaultPeriod))
	tel.setState(types.StateIdle)
	return c
}

// SetPeriod changes the step interval; non-positive values select the default.
func (c *Controller) SetPeriod(d time.Duration) {
	if d <= 0 {
		d = DefaultPeriod
	}
	c.period.Store(int64(d))
}

func (c *Controller) Period() time.Duration { return time.Duration(c.period.Load()) }

// SetAbortKickOnDisable makes a kick end early when enable is cleared
// while it is in progress. Off by default: the kick always runs to
// completion and enable is next observed at the following step.
func (c *Controller) SetAbortKickOnDisable(on bool) { c.abortKickOnDisable.Store(on) }

// State is only meaningful on the worker goroutine; observers should use
// the telemetry snapshot.
func (c *Controller) State() types.ControllerState { return c.state }

// Run steps every period until ctx is done. The delay comes before the
// first step.
func (c *Controller) Run(ctx context.Context) {
	for {
		if err := c.clock.Sleep(ctx, c.Period()); err != nil {
			return
		}
		c.Step(ctx)
	}
}

// Step executes one control period.
func (c *Controller) Step(ctx context.Context) {
	if !c.cfg.Enable.Load() {
		if c.state != types.StateIdle {
			c.stop("disabled")
		}
		return
	}

	sample := c.det.Detect(c.clock.Now())
	forced := c.cfg.ForceRun.Load()
	shouldRun := forced || sample.Charging

	switch c.state {
	case types.StateIdle:
		if !shouldRun {
			return
		}
		if !c.kick(ctx) {
			return
		}
		c.drive(uint16(c.cfg.HoldPct.Load()))
		c.transition(types.StateRunning)
		c.log.Info().
			Bool("charging", sample.Charging).
			Bool("force", forced).
			Stringer("source", sample.Source).
			Msg("running")

	case types.StateRunning:
		if !shouldRun {
			c.stop("no run condition")
			return
		}
		c.drive(uint16(c.cfg.HoldPct.Load()))
	}
}

// kick drives kickPct for kickMs. It reports false when the kick was cut
// short, in which case the motors are already stopped.
func (c *Controller) kick(ctx context.Context) bool {
	c.drive(uint16(c.cfg.KickPct.Load()))
	d := time.Duration(c.cfg.KickMs.Load()) * time.Millisecond
	c.log.Debug().Dur("for", d).Msg("kick")

	if !c.abortKickOnDisable.Load() {
		if err := c.clock.Sleep(ctx, d); err != nil {
			c.stopMotors()
			return false
		}
		return true
	}

	deadline := c.clock.Now().Add(d)
	for {
		left := deadline.Sub(c.clock.Now())
		if left <= 0 {
			return true
		}
		if left > c.Period() {
			left = c.Period()
		}
		if err := c.clock.Sleep(ctx, left); err != nil {
			c.stopMotors()
			return false
		}
		if !c.cfg.Enable.Load() {
			c.stopMotors()
			c.log.Info().Msg("kick aborted: disabled")
			return false
		}
	}
}

func (c *Controller) drive(pct uint16) {
	if err := c.motors.SetAllPercent(pct); err != nil {
		c.log.Warn().Err(err).Uint16("pct", pct).Msg("motor write failed")
	}
}

func (c *Controller) stopMotors() {
	if err := c.motors.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("motor stop failed")
	}
}

func (c *Controller) stop(reason string) {
	c.stopMotors()
	c.transition(types.StateIdle)
	c.log.Info().Str("reason", reason).Msg("idle")
}

func (c *Controller) transition(s types.ControllerState) {
	c.state = s
	c.tel.setState(s)
}
