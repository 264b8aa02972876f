package qi

import (
	"time"

	"qifan-go/registry"
)

// DirectSource reports charging as a boolean.
type DirectSource interface {
	IsCharging() bool
}

// RawStateSource reports the host power-management state code. ok is false
// when no code can be read.
type RawStateSource interface {
	ReadStateCode() (code uint32, ok bool)
}

// Source names the branch that produced a Sample.
type Source uint8

const (
	SourceNone Source = iota
	SourceMock
	SourceDirect
	SourceRaw
)

func (s Source) String() string {
	switch s {
	case SourceMock:
		return "mock"
	case SourceDirect:
		return "direct"
	case SourceRaw:
		return "raw"
	default:
		return "none"
	}
}

// Sample is one detector result. RawStateCode is zero unless Source is
// SourceRaw.
type Sample struct {
	Charging     bool
	RawStateCode uint32
	Source       Source
}

// Detector decides whether the vehicle is charging. Priority: active mock
// override, direct sensor, raw state code, otherwise not charging.
// It is owned by the control worker and is not safe for concurrent use.
type Detector struct {
	cfg    *Config
	mock   *MockOverride
	direct DirectSource
	raw    RawStateSource
	tel    *Telemetry
}

// NewDetector wires the sources. direct and raw may be nil. tel may be nil.
func NewDetector(cfg *Config, direct DirectSource, raw RawStateSource, tel *Telemetry) *Detector {
	return &Detector{cfg: cfg, mock: NewMockOverride(), direct: direct, raw: raw, tel: tel}
}

// Detect evaluates the sources at now and records the result in telemetry.
func (d *Detector) Detect(now time.Time) Sample {
	s := d.detect(now)
	if d.tel != nil {
		d.tel.setCharging(s.Charging)
		if s.Source == SourceRaw {
			d.tel.setRawStateCode(s.RawStateCode)
		}
	}
	return s
}

func (d *Detector) detect(now time.Time) Sample {
	ttl := time.Duration(d.cfg.MockTTLMs.Load()) * time.Millisecond
	if v, ok := d.mock.Evaluate(d.cfg.MockEnable.Load(), d.cfg.MockCharging.Load(), ttl, now); ok {
		return Sample{Charging: v, Source: SourceMock}
	}
	if d.direct != nil {
		return Sample{Charging: d.direct.IsCharging(), Source: SourceDirect}
	}
	if d.raw != nil {
		if code, ok := d.raw.ReadStateCode(); ok {
			return Sample{
				Charging:     int64(code) == int64(d.cfg.PMChargingValue.Load()),
				RawStateCode: code,
				Source:       SourceRaw,
			}
		}
	}
	return Sample{Source: SourceNone}
}

// LogStateSource reads the state code from a log registry var such as
// pm.state. An unresolved var reads as absent.
type LogStateSource struct {
	Logs *registry.Registry
	ID   registry.VarID
}

// NewLogStateSource resolves group.name in logs.
func NewLogStateSource(logs *registry.Registry, group, name string) *LogStateSource {
	return &LogStateSource{Logs: logs, ID: logs.ID(group, name)}
}

func (s *LogStateSource) ReadStateCode() (uint32, bool) {
	if s == nil || s.Logs == nil || !s.ID.Valid() {
		return 0, false
	}
	v, err := s.Logs.Get(s.ID)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
