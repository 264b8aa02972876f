package qi

import (
	"math"
	"strings"

	"go.uber.org/multierr"

	"qifan-go/errcode"
	"qifan-go/registry"
	"qifan-go/x/mathx"
)

// Motor-power constants.
const (
	MaxRaw      = math.MaxUint16
	NumChannels = 4

	MotorGroup = "motorPowerSet"
)

// Actuator is the host motor-power primitive. Channels are 1..NumChannels.
type Actuator interface {
	SetBypassEnable(on bool) error
	SetChannelRaw(ch int, raw uint16) error
}

// RawFromPercent maps a percentage to a raw power value as
// floor(MaxRaw/100)*p, wrapping to 16 bits. Values above 100 are not
// clamped.
func RawFromPercent(p uint16) uint16 {
	return uint16(mathx.PercentOf(uint32(MaxRaw), uint32(p)))
}

// Motors drives all channels together and keeps bypass consistent with
// the raw value: asserted before any nonzero write, deasserted after all
// channels are zero.
type Motors struct {
	act Actuator
}

func NewMotors(act Actuator) *Motors { return &Motors{act: act} }

// SetAllPercent writes RawFromPercent(p) to every channel.
func (m *Motors) SetAllPercent(p uint16) error {
	return m.SetAllRaw(RawFromPercent(p))
}

// SetAllRaw writes raw to every channel and adjusts bypass.
func (m *Motors) SetAllRaw(raw uint16) error {
	var err error
	if raw != 0 {
		err = multierr.Append(err, m.act.SetBypassEnable(true))
	}
	for ch := 1; ch <= NumChannels; ch++ {
		err = multierr.Append(err, m.act.SetChannelRaw(ch, raw))
	}
	if raw == 0 {
		err = multierr.Append(err, m.act.SetBypassEnable(false))
	}
	return err
}

// Stop sets every channel to zero and deasserts bypass.
func (m *Motors) Stop() error { return m.SetAllRaw(0) }

// ParamActuator writes through the motorPowerSet params of the host
// registry.
type ParamActuator struct {
	params *registry.Registry
	enable registry.VarID
	ch     [NumChannels]registry.VarID
}

// ResolveParamActuator looks up motorPowerSet.enable and m1..m4. Any
// missing var yields actuator_unavailable naming the missing vars.
func ResolveParamActuator(params *registry.Registry) (*ParamActuator, error) {
	a := &ParamActuator{params: params, enable: params.ID(MotorGroup, "enable")}
	var missing []string
	if !a.enable.Valid() {
		missing = append(missing, MotorGroup+".enable")
	}
	for i := range a.ch {
		name := "m" + string(rune('1'+i))
		a.ch[i] = params.ID(MotorGroup, name)
		if !a.ch[i].Valid() {
			missing = append(missing, MotorGroup+"."+name)
		}
	}
	if len(missing) > 0 {
		return nil, &errcode.E{C: errcode.ActuatorUnavailable, Op: "resolve", Msg: strings.Join(missing, ",")}
	}
	return a, nil
}

func (a *ParamActuator) SetBypassEnable(on bool) error {
	v := int64(0)
	if on {
		v = 1
	}
	return a.params.Set(a.enable, v)
}

func (a *ParamActuator) SetChannelRaw(ch int, raw uint16) error {
	if ch < 1 || ch > NumChannels {
		return &errcode.E{C: errcode.InvalidParams, Op: "set_channel", Msg: "channel out of range"}
	}
	return a.params.Set(a.ch[ch-1], int64(raw))
}
