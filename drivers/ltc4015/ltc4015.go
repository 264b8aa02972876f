// Package ltc4015 is a read-only driver for the LTC4015 battery charger:
// status bits and integer-scaled VBAT, VIN and IBAT.
//
// I2C/SMBus word protocol, data-low then data-high.
package ltc4015

import (
	"github.com/pkg/errors"
	"tinygo.org/x/drivers"

	"qifan-go/types"
)

type Chemistry uint8

const (
	ChemUnknown  Chemistry = iota
	ChemLithium            // VBAT LSB: 192.264 µV/cell
	ChemLeadAcid           // VBAT LSB: 128.176 µV/cell
)

type Config struct {
	Address    uint16
	RSNSB_uOhm uint32
	Cells      uint8 // 0 reads the pin-strapped count
	Chem       Chemistry
}

type Device struct {
	i2c        drivers.I2C
	addr       uint16
	cells      uint8
	chem       Chemistry
	rsnsB_uOhm uint32

	w [1]byte
	r [2]byte
}

func New(i2c drivers.I2C, cfg Config) *Device {
	addr := cfg.Address
	if addr == 0 {
		addr = AddressDefault
	}
	chem := cfg.Chem
	if chem == ChemUnknown {
		chem = ChemLithium
	}
	return &Device{i2c: i2c, addr: addr, cells: cfg.Cells, chem: chem, rsnsB_uOhm: cfg.RSNSB_uOhm}
}

// Cells returns the configured or detected cell count.
func (d *Device) Cells() uint8 { return d.cells }

// DetectCells reads the pin-defined cell count and caches it when none
// was configured.
func (d *Device) DetectCells() (uint8, error) {
	v, err := d.readWord(regChemCells)
	if err != nil {
		return 0, err
	}
	n := uint8(v & 0x000F)
	if d.cells == 0 {
		d.cells = n
	}
	return n, nil
}

// ---------------- Telemetry (integer units) ----------------

func (d *Device) BatteryMilliVPerCell() (int32, error) {
	raw, err := d.readWord(regVBAT)
	if err != nil {
		return 0, err
	}
	// Li: 192,264 nV/LSB; Lead: 128,176 nV/LSB.
	nV := int64(192264)
	if d.chem == ChemLeadAcid {
		nV = 128176
	}
	return int32(int64(raw) * nV / 1_000_000), nil
}

func (d *Device) BatteryMilliVPack() (int32, error) {
	perCell, err := d.BatteryMilliVPerCell()
	if err != nil || d.cells == 0 {
		return perCell, err
	}
	return perCell * int32(d.cells), nil
}

func (d *Device) VinMilliV() (int32, error) {
	raw, err := d.readWord(regVIN)
	if err != nil {
		return 0, err
	}
	return int32(int64(raw) * 1648 / 1000), nil
}

func (d *Device) IbatMilliA() (int32, error) {
	if d.rsnsB_uOhm == 0 {
		return 0, errors.New("RSNSB_uOhm not set")
	}
	raw, err := d.readWord(regIBAT)
	if err != nil {
		return 0, err
	}
	uA := int64(int16(raw)) * 1464870 / int64(d.rsnsB_uOhm)
	return int32(uA / 1000), nil
}

// ---------------- Status ----------------

func (d *Device) ChargerState() (types.ChargerStateBits, error) {
	v, err := d.readWord(regChargerState)
	return types.ChargerStateBits(v), err
}

func (d *Device) ChargeStatus() (types.ChargeStatusBits, error) {
	v, err := d.readWord(regChargeStatus)
	return types.ChargeStatusBits(v), err
}

func (d *Device) SystemStatus() (types.SystemStatus, error) {
	v, err := d.readWord(regSystemStatus)
	return types.SystemStatus(v), err
}

// IsCharging reports whether any charging phase bit is set. Read errors
// count as not charging.
func (d *Device) IsCharging() bool {
	s, err := d.ChargerState()
	return err == nil && s&types.ChargingPhases != 0
}

func (d *Device) readWord(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:], d.r[:]); err != nil {
		return 0, errors.Wrapf(err, "ltc4015 read 0x%02X", reg)
	}
	return uint16(d.r[0]) | uint16(d.r[1])<<8, nil
}
