package qi

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"qifan-go/errcode"
	"qifan-go/registry"
	"qifan-go/types"
)

// Group is the param and log group owned by the controller.
const Group = "custom_qi"

// Param names.
const (
	ParamEnable          = "enable"
	ParamForceRun        = "forceRun"
	ParamKickPct         = "kickPct"
	ParamHoldPct         = "holdPct"
	ParamKickMs          = "kickMs"
	ParamPMChargingValue = "pmChargingValue"
	ParamMockEnable      = "mockEnable"
	ParamMockCharging    = "mockCharging"
	ParamMockTTLMs       = "mockTtlMs"
)

// Config is the operator-tunable store. Every field is an independent
// atomic; a step may see fields from different update times.
type Config struct {
	Enable          atomic.Bool
	ForceRun        atomic.Bool
	KickPct         atomic.Uint32 // uint16 range
	HoldPct         atomic.Uint32 // uint16 range
	KickMs          atomic.Uint32 // uint16 range
	PMChargingValue atomic.Int32
	MockEnable      atomic.Bool
	MockCharging    atomic.Bool
	MockTTLMs       atomic.Uint32 // uint16 range
}

// NewConfig returns a store holding the boot defaults.
func NewConfig() *Config {
	c := &Config{}
	c.Enable.Store(true)
	c.ForceRun.Store(false)
	c.KickPct.Store(15)
	c.HoldPct.Store(5)
	c.KickMs.Store(200)
	c.PMChargingValue.Store(int32(types.PMCharging))
	c.MockEnable.Store(false)
	c.MockCharging.Store(false)
	c.MockTTLMs.Store(3000)
	return c
}

type paramBinding struct {
	name string
	typ  types.VarType
	get  func(*Config) int64
	set  func(*Config, int64)
}

func boolParam(name string, f func(*Config) *atomic.Bool) paramBinding {
	return paramBinding{
		name: name,
		typ:  types.VarUint8,
		get: func(c *Config) int64 {
			if f(c).Load() {
				return 1
			}
			return 0
		},
		set: func(c *Config, v int64) { f(c).Store(v != 0) },
	}
}

func u16Param(name string, f func(*Config) *atomic.Uint32) paramBinding {
	return paramBinding{
		name: name,
		typ:  types.VarUint16,
		get:  func(c *Config) int64 { return int64(f(c).Load()) },
		set:  func(c *Config, v int64) { f(c).Store(uint32(uint16(v))) },
	}
}

var paramTable = []paramBinding{
	boolParam(ParamEnable, func(c *Config) *atomic.Bool { return &c.Enable }),
	boolParam(ParamForceRun, func(c *Config) *atomic.Bool { return &c.ForceRun }),
	u16Param(ParamKickPct, func(c *Config) *atomic.Uint32 { return &c.KickPct }),
	u16Param(ParamHoldPct, func(c *Config) *atomic.Uint32 { return &c.HoldPct }),
	u16Param(ParamKickMs, func(c *Config) *atomic.Uint32 { return &c.KickMs }),
	{
		name: ParamPMChargingValue,
		typ:  types.VarInt32,
		get:  func(c *Config) int64 { return int64(c.PMChargingValue.Load()) },
		set:  func(c *Config, v int64) { c.PMChargingValue.Store(int32(v)) },
	},
	boolParam(ParamMockEnable, func(c *Config) *atomic.Bool { return &c.MockEnable }),
	boolParam(ParamMockCharging, func(c *Config) *atomic.Bool { return &c.MockCharging }),
	u16Param(ParamMockTTLMs, func(c *Config) *atomic.Uint32 { return &c.MockTTLMs }),
}

// Register publishes every field as a custom_qi param. Writes through the
// registry land in the matching atomic.
func (c *Config) Register(params *registry.Registry) error {
	for _, b := range paramTable {
		id, err := params.Add(registry.Spec{Group: Group, Name: b.name, Type: b.typ, Default: b.get(c)})
		if err != nil {
			return errors.Wrapf(err, "register %s.%s", Group, b.name)
		}
		if err := params.OnChange(id, func(v int64) { b.set(c, v) }); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOverrides writes name→value pairs through the param registry.
// Unknown names are reported but do not stop the others from applying.
func ApplyOverrides(params *registry.Registry, values map[string]int64) error {
	var err error
	for name, v := range values {
		id := params.ID(Group, name)
		if !id.Valid() {
			err = multierr.Append(err, &errcode.E{C: errcode.UnknownParam, Op: "config/qi", Msg: Group + "." + name})
			continue
		}
		err = multierr.Append(err, params.Set(id, v))
	}
	return err
}
