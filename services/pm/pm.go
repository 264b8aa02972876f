// Package pm polls the battery charger and publishes the host power
// management log vars (pm.state, pm.vbat, pm.chargeCurrent,
// pm.batteryLevel).
package pm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"qifan-go/bus"
	"qifan-go/registry"
	"qifan-go/types"
	"qifan-go/x/jsonx"
	"qifan-go/x/mathx"
	"qifan-go/x/timex"
)

const Group = "pm"

const (
	DefaultInterval   = 100 * time.Millisecond
	DefaultLowMilliV  = 3200
	DefaultShutdownMV = 3000
	DefaultFullMilliV = 4200
)

var (
	topicConfig  = bus.T("config", "pm")
	topicCharger = bus.T("pm", "charger")
	topicHealth  = bus.T("pm", "health") // pm/state would shadow the log var name
)

// Charger is the subset of the LTC4015 driver the service reads.
type Charger interface {
	ChargerState() (types.ChargerStateBits, error)
	ChargeStatus() (types.ChargeStatusBits, error)
	SystemStatus() (types.SystemStatus, error)
	BatteryMilliVPerCell() (int32, error)
	BatteryMilliVPack() (int32, error)
	VinMilliV() (int32, error)
	IbatMilliA() (int32, error)
}

// Thresholds are per-cell voltages in mV.
type Thresholds struct {
	Low, Shutdown, Full int32
}

func thresholdsFrom(c types.PMConfig) Thresholds {
	t := Thresholds{Low: c.LowMilliV, Shutdown: c.ShutdownMilliV, Full: c.FullMilliV}
	if t.Low == 0 {
		t.Low = DefaultLowMilliV
	}
	if t.Shutdown == 0 {
		t.Shutdown = DefaultShutdownMV
	}
	if t.Full == 0 {
		t.Full = DefaultFullMilliV
	}
	return t
}

// Derive maps charger status and per-cell voltage to a PMState.
func Derive(state types.ChargerStateBits, sys types.SystemStatus, perCellMV int32, th Thresholds) types.PMState {
	switch {
	case state&types.ChargingPhases != 0:
		return types.PMCharging
	case sys.Has(types.VinGtVbat) && (state.Has(types.COverXTerm) || state.Has(types.TimerTerm)):
		return types.PMCharged
	case perCellMV < th.Shutdown:
		return types.PMShutdown
	case perCellMV < th.Low:
		return types.PMLowPower
	default:
		return types.PMBattery
	}
}

// BatteryLevel is a linear percentage between the shutdown and full
// per-cell voltages.
func BatteryLevel(perCellMV int32, th Thresholds) uint8 {
	span := th.Full - th.Shutdown
	if span <= 0 {
		return 0
	}
	pct := (perCellMV - th.Shutdown) * 100 / span
	return uint8(mathx.Clamp(pct, 0, 100))
}

type Service struct {
	chg  Charger
	logs *registry.Registry
	log  zerolog.Logger

	mu       sync.Mutex
	th       Thresholds
	interval time.Duration
	hasIbat  bool

	idState, idVbat, idCurrent, idLevel registry.VarID

	charging atomic.Bool
	last     atomic.Value // types.ChargerValue
}

// New registers the pm log vars.
func New(logs *registry.Registry, chg Charger, cfg types.PMConfig, log zerolog.Logger) (*Service, error) {
	s := &Service{
		chg:      chg,
		logs:     logs,
		log:      log.With().Str("svc", "pm").Logger(),
		th:       thresholdsFrom(cfg),
		interval: intervalFrom(cfg),
		hasIbat:  cfg.RSNSB_uOhm != 0,
	}
	var err error
	add := func(name string, typ types.VarType) registry.VarID {
		id, e := logs.Add(registry.Spec{Group: Group, Name: name, Type: typ, ReadOnly: true})
		err = multierr.Append(err, e)
		return id
	}
	s.idState = add("state", types.VarUint8)
	s.idVbat = add("vbat", types.VarUint16)
	s.idCurrent = add("chargeCurrent", types.VarInt32)
	s.idLevel = add("batteryLevel", types.VarUint8)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func intervalFrom(c types.PMConfig) time.Duration {
	if c.IntervalMs == 0 {
		return DefaultInterval
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// IsCharging reports the charge phase seen at the last successful poll.
func (s *Service) IsCharging() bool { return s.charging.Load() }

// Last returns the last successful reading.
func (s *Service) Last() (types.ChargerValue, bool) {
	v, ok := s.last.Load().(types.ChargerValue)
	return v, ok
}

// Poll reads the charger once. On error the previous values are kept.
func (s *Service) Poll() (types.ChargerValue, error) {
	var v types.ChargerValue
	var err error
	read := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	read(func() (e error) { v.State, e = s.chg.ChargerState(); return })
	read(func() (e error) { v.Status, e = s.chg.ChargeStatus(); return })
	read(func() (e error) { v.Sys, e = s.chg.SystemStatus(); return })
	read(func() (e error) { v.VBATPerCell_mV, e = s.chg.BatteryMilliVPerCell(); return })
	read(func() (e error) { v.VBATPack_mV, e = s.chg.BatteryMilliVPack(); return })
	read(func() (e error) { v.VIN_mV, e = s.chg.VinMilliV(); return })
	s.mu.Lock()
	th, hasIbat := s.th, s.hasIbat
	s.mu.Unlock()
	if hasIbat {
		read(func() (e error) { v.IBat_mA, e = s.chg.IbatMilliA(); return })
	}
	if err != nil {
		return v, err
	}

	v.PM = Derive(v.State, v.Sys, v.VBATPerCell_mV, th)
	v.TS = timex.NowMs()

	s.charging.Store(v.State&types.ChargingPhases != 0)
	s.last.Store(v)
	_ = s.logs.Store(s.idState, int64(v.PM))
	_ = s.logs.Store(s.idVbat, int64(v.VBATPack_mV))
	_ = s.logs.Store(s.idCurrent, int64(v.IBat_mA))
	_ = s.logs.Store(s.idLevel, int64(BatteryLevel(v.VBATPerCell_mV, th)))
	return v, nil
}

// Run polls every interval until ctx is done. config/pm updates the
// interval and thresholds.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	s.mu.Lock()
	tick := time.NewTicker(s.interval)
	s.mu.Unlock()
	defer tick.Stop()

	s.publishState(conn, "up", "polling")
	var prev types.PMState = 0xFF
	failing := false
	for {
		select {
		case <-ctx.Done():
			s.publishState(conn, "stopped", "ctx_done")
			return
		case msg := <-cfgSub.Channel():
			var c types.PMConfig
			if err := jsonx.Decode(msg.Payload, &c); err != nil {
				s.log.Warn().Err(err).Msg("config/pm decode failed")
				continue
			}
			s.mu.Lock()
			s.th = thresholdsFrom(c)
			s.interval = intervalFrom(c)
			s.hasIbat = s.hasIbat || c.RSNSB_uOhm != 0
			tick.Reset(s.interval)
			s.mu.Unlock()
			s.log.Info().Dur("interval", intervalFrom(c)).Msg("config applied")
		case <-tick.C:
			v, err := s.Poll()
			if err != nil {
				if !failing {
					s.log.Warn().Err(err).Msg("charger read failed; keeping last values")
					s.publishState(conn, "degraded", "read_failed")
					failing = true
				}
				continue
			}
			if failing {
				s.publishState(conn, "up", "polling")
				failing = false
			}
			conn.Publish(conn.NewMessage(topicCharger, v, true))
			if v.PM != prev {
				s.log.Info().
					Stringer("state", v.PM).
					Int32("vbat_mV", v.VBATPack_mV).
					Strs("charger", types.SetNames(v.State, types.ChargerStateTable[:])).
					Strs("status", types.SetNames(v.Status, types.ChargeStatusTable[:])).
					Strs("sys", types.SetNames(v.Sys, types.SystemStatusTable[:])).
					Msg("pm state")
				prev = v.PM
			}
		}
	}
}

// Start runs the service in the background.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.Run(ctx, conn)
	return nil
}

func (s *Service) publishState(conn *bus.Connection, level, status string) {
	conn.Publish(conn.NewMessage(topicHealth, types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}, true))
}
