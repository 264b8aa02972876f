// Package motors owns the motorPowerSet params and forwards them to a
// motor driver.
package motors

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/registry"
	"qifan-go/types"
	"qifan-go/x/timex"
)

const (
	Group       = "motorPowerSet"
	NumChannels = 4

	DefaultRefresh = 50 * time.Millisecond
)

var topicState = bus.T("motors", "state")

// Output is what a driver must apply. Raw is all zeros when Enable is
// false.
type Output struct {
	Enable bool
	Raw    [NumChannels]uint16
}

// Driver pushes outputs to hardware.
type Driver interface {
	Apply(ctx context.Context, out Output) error
	Close() error
}

// Service mirrors the motorPowerSet params into driver outputs. Param
// writes only signal the worker, so writers never wait on hardware.
type Service struct {
	params  *registry.Registry
	drv     Driver
	refresh time.Duration
	log     zerolog.Logger

	enable registry.VarID
	ch     [NumChannels]registry.VarID

	wake chan struct{}

	mu   sync.Mutex
	last Output
}

// New registers motorPowerSet.enable and m1..m4. refresh <= 0 selects
// DefaultRefresh.
func New(params *registry.Registry, drv Driver, refresh time.Duration, log zerolog.Logger) (*Service, error) {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	s := &Service{
		params:  params,
		drv:     drv,
		refresh: refresh,
		log:     log.With().Str("svc", "motors").Logger(),
		wake:    make(chan struct{}, 1),
	}
	var err error
	if s.enable, err = params.Add(registry.Spec{Group: Group, Name: "enable", Type: types.VarUint8}); err != nil {
		return nil, err
	}
	for i := range s.ch {
		if s.ch[i], err = params.Add(registry.Spec{Group: Group, Name: "m" + string(rune('1'+i)), Type: types.VarUint16}); err != nil {
			return nil, err
		}
	}
	ids := append([]registry.VarID{s.enable}, s.ch[:]...)
	for _, id := range ids {
		if err := params.OnChange(id, func(int64) { s.signal() }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Output computes the current output from the params.
func (s *Service) Output() Output {
	var out Output
	en, _ := s.params.Get(s.enable)
	if en == 0 {
		return out
	}
	out.Enable = true
	for i, id := range s.ch {
		v, _ := s.params.Get(id)
		out.Raw[i] = uint16(v)
	}
	return out
}

// Last returns the last output handed to the driver.
func (s *Service) Last() Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run applies outputs on change and every refresh interval until ctx is
// done, then applies an all-off output and closes the driver.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	s.publishState(conn, "up", "running")
	tick := time.NewTicker(s.refresh)
	defer tick.Stop()

	s.apply(ctx)
	for {
		select {
		case <-ctx.Done():
			off, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.drv.Apply(off, Output{}); err != nil {
				s.log.Warn().Err(err).Msg("final stop failed")
			}
			cancel()
			if err := s.drv.Close(); err != nil {
				s.log.Warn().Err(err).Msg("driver close")
			}
			s.publishState(conn, "stopped", "ctx_done")
			return
		case <-s.wake:
			s.apply(ctx)
		case <-tick.C:
			s.apply(ctx)
		}
	}
}

// Start runs the service in the background.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.Run(ctx, conn)
	return nil
}

func (s *Service) apply(ctx context.Context) {
	out := s.Output()
	if err := s.drv.Apply(ctx, out); err != nil {
		s.log.Warn().Err(err).Msg("apply failed")
		return
	}
	s.mu.Lock()
	changed := s.last != out
	s.last = out
	s.mu.Unlock()
	if changed {
		s.log.Debug().Bool("enable", out.Enable).Uints16("raw", out.Raw[:]).Msg("output")
	}
}

func (s *Service) publishState(conn *bus.Connection, level, status string) {
	if conn == nil {
		return
	}
	conn.Publish(conn.NewMessage(topicState, types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}, true))
}

// Recorder is an in-memory Driver.
type Recorder struct {
	mu      sync.Mutex
	history []Output
	closed  bool
}

func (r *Recorder) Apply(_ context.Context, out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.history); n > 0 && r.history[n-1] == out {
		return nil
	}
	r.history = append(r.history, out)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// History returns distinct consecutive outputs.
func (r *Recorder) History() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.history...)
}

// Latest returns the most recent output.
func (r *Recorder) Latest() Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return Output{}
	}
	return r.history[len(r.history)-1]
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
