package types

// ---- Common service state (retained) ----

// ServiceState is published retained under <svc>/state.
type ServiceState struct {
	Level  string `json:"level"`  // e.g. "idle", "ready", "up", "degraded", "error", "stopped"
	Status string `json:"status"` // freeform short code
	TS     int64  `json:"ts_ms"`
}

// ---- Controller ----

// ControllerState is the run/idle state of the rotor-cooling controller.
type ControllerState uint8

const (
	StateIdle ControllerState = iota
	StateRunning
)

func (s ControllerState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	default:
		return "Idle"
	}
}

// Telemetry is the latest controller observation. It is published under
// log/custom_qi and mirrored to MQTT.
type Telemetry struct {
	State        ControllerState `json:"state"`    // 0=Idle, 1=Running
	Charging     bool            `json:"charging"` // last detector result
	RawStateCode uint32          `json:"pmState"`  // last raw pm.state read
	TS           int64           `json:"ts_ms"`
}

// ---- Registry vars ----

// VarType is the declared storage width of a registry var.
type VarType uint8

const (
	VarUint8 VarType = iota
	VarUint16
	VarUint32
	VarInt32
)

func (t VarType) String() string {
	switch t {
	case VarUint8:
		return "uint8"
	case VarUint16:
		return "uint16"
	case VarUint32:
		return "uint32"
	case VarInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// VarValue is published retained under param/<group>/<name> and
// log/<group>/<name> whenever a var changes.
type VarValue struct {
	Group string  `json:"group"`
	Name  string  `json:"name"`
	Type  VarType `json:"type"`
	Value int64   `json:"value"`
	TS    int64   `json:"ts_ms"`
}

// ---- Power management ----

// PMState is the host power-management state code published as pm.state.
type PMState uint8

const (
	PMBattery PMState = iota
	PMCharging
	PMCharged
	PMLowPower
	PMShutdown
)

func (s PMState) String() string {
	switch s {
	case PMBattery:
		return "battery"
	case PMCharging:
		return "charging"
	case PMCharged:
		return "charged"
	case PMLowPower:
		return "low_power"
	case PMShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
