// Package qi drives the rotors as cooling fans while the vehicle charges:
// a short kick at kickPct followed by holdPct for as long as charging is
// detected or forced.
package qi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"qifan-go/bus"
	"qifan-go/errcode"
	"qifan-go/registry"
	"qifan-go/types"
	"qifan-go/x/jsonx"
	"qifan-go/x/timex"
)

var (
	topicConfig = bus.T("config", "qi")
	topicState  = bus.T("qi", "state")
)

// Options wires a Driver to its host.
type Options struct {
	Params *registry.Registry // required
	Logs   *registry.Registry // required

	// Direct is the boolean charging capability when the host has one.
	Direct DirectSource
	// Actuator overrides the motorPowerSet params. Tests use it.
	Actuator Actuator
	Clock    Clock
	Logger   zerolog.Logger
	// Conn receives qi/state. May be nil.
	Conn *bus.Connection
}

// Driver owns the controller and its worker.
type Driver struct {
	opts Options
	log  zerolog.Logger

	cfg  *Config
	tel  *Telemetry
	ctrl *Controller

	mu      sync.Mutex
	motors  *Motors
	cancel  context.CancelFunc
	done    chan struct{}
	period  time.Duration
	abort   bool
	started bool
}

// New registers the custom_qi params and log vars.
func New(opts Options) (*Driver, error) {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	d := &Driver{
		opts: opts,
		log:  opts.Logger.With().Str("svc", "qi").Logger(),
		cfg:  NewConfig(),
		tel:  NewTelemetry(),
	}
	if err := d.cfg.Register(opts.Params); err != nil {
		return nil, err
	}
	if err := d.tel.Register(opts.Logs); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) Config() *Config { return d.cfg }

// Telemetry returns the latest {state, charging, pmState} snapshot.
func (d *Driver) Telemetry() types.Telemetry { return d.tel.Snapshot() }

// Initialize resolves the actuator and sensor handles, forces the outputs
// off and starts the worker. If the actuator cannot be resolved nothing is
// started and the error carries actuator_unavailable.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return &errcode.E{C: errcode.Busy, Op: "initialize", Msg: "already running"}
	}

	act := d.opts.Actuator
	if act == nil {
		pa, err := ResolveParamActuator(d.opts.Params)
		if err != nil {
			d.log.Error().Err(err).Msg("motorPowerSet params unavailable; not starting")
			d.publishState("error", string(errcode.ActuatorUnavailable))
			return err
		}
		act = pa
	}

	raw := NewLogStateSource(d.opts.Logs, "pm", "state")
	var rawSrc RawStateSource
	if raw.ID.Valid() {
		rawSrc = raw
	}
	switch {
	case d.opts.Direct != nil:
		d.log.Info().Msg("charging source: direct")
	case rawSrc != nil:
		d.log.Info().Msg("charging source: pm.state")
	default:
		d.log.Warn().Msg("no charging source; runs only when forced")
	}

	d.motors = NewMotors(act)
	if err := d.motors.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("initial stop failed")
	}

	det := NewDetector(d.cfg, d.opts.Direct, rawSrc, d.tel)
	d.ctrl = NewController(d.cfg, det, d.motors, d.tel, d.opts.Clock, d.log)
	d.ctrl.SetPeriod(d.period)
	d.ctrl.SetAbortKickOnDisable(d.abort)

	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true
	go func(c *Controller, done chan struct{}) {
		defer close(done)
		c.Run(wctx)
	}(d.ctrl, d.done)

	d.log.Info().Dur("period", d.ctrl.Period()).Msg("initialized")
	d.publishState("ready", "running")
	return nil
}

// SelfTest performs no hardware check.
func (d *Driver) SelfTest() bool { return true }

// Deinitialize stops the worker, then sets every channel to zero and
// deasserts bypass.
func (d *Driver) Deinitialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return &errcode.E{C: errcode.NotInitialised, Op: "deinitialize"}
	}
	d.cancel()
	<-d.done
	d.started = false

	var err error
	err = multierr.Append(err, d.motors.Stop())
	d.ctrl.transition(types.StateIdle)
	d.log.Info().Msg("deinitialized")
	d.publishState("stopped", "deinitialized")
	return err
}

// Running reports whether the worker is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Configure applies a config/qi payload. Fields absent from the payload
// keep their current value.
func (d *Driver) Configure(cfg types.QiConfig) error {
	d.mu.Lock()
	if cfg.PeriodMs != nil {
		d.period = time.Duration(*cfg.PeriodMs) * time.Millisecond
	}
	if cfg.AbortKickOnDisable != nil {
		d.abort = *cfg.AbortKickOnDisable
	}
	if d.ctrl != nil {
		d.ctrl.SetPeriod(d.period)
		d.ctrl.SetAbortKickOnDisable(d.abort)
	}
	d.mu.Unlock()
	return ApplyOverrides(d.opts.Params, cfg.Params)
}

func (d *Driver) publishState(level, status string) {
	if d.opts.Conn == nil {
		return
	}
	d.opts.Conn.Publish(d.opts.Conn.NewMessage(topicState, types.ServiceState{
		Level:  level,
		Status: status,
		TS:     timex.NowMs(),
	}, true))
}

// Start runs the driver as a bus service until ctx is cancelled. The first
// retained config/qi message, if any, is applied before initializing.
func Start(ctx context.Context, conn *bus.Connection, opts Options) (*Driver, error) {
	opts.Conn = conn
	d, err := New(opts)
	if err != nil {
		return nil, err
	}
	cfgSub := conn.Subscribe(topicConfig)

	select {
	case msg := <-cfgSub.Channel():
		d.applyConfigMsg(msg)
	default:
	}
	initErr := d.Initialize(ctx)

	go func() {
		defer conn.Unsubscribe(cfgSub)
		for {
			select {
			case <-ctx.Done():
				if d.Running() {
					if err := d.Deinitialize(); err != nil {
						d.log.Warn().Err(err).Msg("deinitialize")
					}
				}
				return
			case msg, ok := <-cfgSub.Channel():
				if !ok {
					return
				}
				d.applyConfigMsg(msg)
			}
		}
	}()
	return d, initErr
}

func (d *Driver) applyConfigMsg(msg *bus.Message) {
	var cfg types.QiConfig
	if err := jsonx.Decode(msg.Payload, &cfg); err != nil {
		d.log.Warn().Err(err).Msg("config/qi decode failed")
		return
	}
	if err := d.Configure(cfg); err != nil {
		d.log.Warn().Err(err).Msg("config/qi partially applied")
		return
	}
	d.log.Debug().Int("params", len(cfg.Params)).Msg("config/qi applied")
}
