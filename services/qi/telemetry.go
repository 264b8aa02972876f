package qi

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"qifan-go/registry"
	"qifan-go/types"
	"qifan-go/x/timex"
)

// Log var names.
const (
	LogState    = "state"
	LogCharging = "charging"
	LogPMState  = "pmState"
)

// Telemetry exposes the latest controller observation. Writers never block
// and never fail; registry mirroring is best effort.
type Telemetry struct {
	state    atomic.Uint32
	charging atomic.Bool
	raw      atomic.Uint32
	ts       atomic.Int64

	logs                      *registry.Registry
	idState, idCharging, idPM registry.VarID
}

func NewTelemetry() *Telemetry {
	return &Telemetry{idState: registry.InvalidID, idCharging: registry.InvalidID, idPM: registry.InvalidID}
}

// Register adds custom_qi.state, custom_qi.charging and custom_qi.pmState
// to the log registry as read-only vars.
func (t *Telemetry) Register(logs *registry.Registry) error {
	add := func(name string, typ types.VarType) (registry.VarID, error) {
		id, err := logs.Add(registry.Spec{Group: Group, Name: name, Type: typ, ReadOnly: true})
		return id, errors.Wrapf(err, "register log %s.%s", Group, name)
	}
	var err error
	if t.idState, err = add(LogState, types.VarUint8); err != nil {
		return err
	}
	if t.idCharging, err = add(LogCharging, types.VarUint8); err != nil {
		return err
	}
	if t.idPM, err = add(LogPMState, types.VarUint32); err != nil {
		return err
	}
	t.logs = logs
	return nil
}

// Snapshot returns the current values.
func (t *Telemetry) Snapshot() types.Telemetry {
	return types.Telemetry{
		State:        types.ControllerState(t.state.Load()),
		Charging:     t.charging.Load(),
		RawStateCode: t.raw.Load(),
		TS:           t.ts.Load(),
	}
}

func (t *Telemetry) setState(s types.ControllerState) {
	t.state.Store(uint32(s))
	t.touch()
	t.store(t.idState, int64(s))
}

func (t *Telemetry) setCharging(c bool) {
	t.charging.Store(c)
	t.touch()
	v := int64(0)
	if c {
		v = 1
	}
	t.store(t.idCharging, v)
}

func (t *Telemetry) setRawStateCode(code uint32) {
	t.raw.Store(code)
	t.touch()
	t.store(t.idPM, int64(code))
}

func (t *Telemetry) touch() { t.ts.Store(timex.NowMs()) }

func (t *Telemetry) store(id registry.VarID, v int64) {
	if t.logs == nil || !id.Valid() {
		return
	}
	_ = t.logs.Store(id, v)
}
