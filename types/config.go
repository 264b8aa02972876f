package types

// Service configuration supplied retained on topic "config/<key>".
// Payloads arrive as decoded JSON (map[string]any) and are re-decoded into
// these structs by each service.

// QiConfig is published on "config/qi".
type QiConfig struct {
	// Params overrides custom_qi param defaults by name, e.g. {"kickPct": 20}.
	Params map[string]int64 `json:"params,omitempty"`
	// Absent fields keep their current value.
	PeriodMs           *uint32 `json:"period_ms,omitempty"`
	AbortKickOnDisable *bool   `json:"abort_kick_on_disable,omitempty"`
}

// PMConfig is published on "config/pm".
type PMConfig struct {
	Direct         bool   `json:"direct,omitempty"` // expose IsCharging as the direct sensor
	IntervalMs     uint32 `json:"interval_ms,omitempty"`
	Bus            string `json:"bus,omitempty"` // periph I2C bus name, "" = first
	Addr           uint16 `json:"addr,omitempty"`
	Cells          uint8  `json:"cells,omitempty"`
	RSNSB_uOhm     uint32 `json:"rsnsb_uohm,omitempty"`
	LowMilliV      int32  `json:"low_mv,omitempty"`      // per cell
	ShutdownMilliV int32  `json:"shutdown_mv,omitempty"` // per cell
	FullMilliV     int32  `json:"full_mv,omitempty"`     // per cell, 100% battery level
}

// MotorsConfig is published on "config/motors".
type MotorsConfig struct {
	Driver       string `json:"driver"` // "can" | "recorder"
	CANInterface string `json:"can_interface,omitempty"`
	CANBaseID    uint32 `json:"can_base_id,omitempty"`
	RefreshMs    uint32 `json:"refresh_ms,omitempty"`
}

// ConsoleConfig is published on "config/console".
type ConsoleConfig struct {
	Port           string `json:"port"`
	Baud           int    `json:"baud"`
	ReadTimeoutMS  int    `json:"read_timeout_ms,omitempty"`
	RetryBackoffMS int    `json:"retry_backoff_ms,omitempty"`
}

// TelemetryConfig is published on "config/telemetry".
type TelemetryConfig struct {
	IntervalMs uint32   `json:"interval_ms,omitempty"`
	Path       string   `json:"path,omitempty"`
	Columns    []string `json:"columns,omitempty"` // group.name of log vars
}

// MQTTConfig is published on "config/mqtt".
type MQTTConfig struct {
	Broker   string `json:"broker"` // tcp://host:1883
	ClientID string `json:"client_id,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}
