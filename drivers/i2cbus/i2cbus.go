// Package i2cbus adapts a periph.io host I2C bus to tinygo.org/x/drivers.I2C
// so the same chip drivers run on Linux hosts.
package i2cbus

import (
	"io"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

// Txer is the part of i2c.Bus the adapter needs.
type Txer interface {
	Tx(addr uint16, w, r []byte) error
}

// Adapter implements drivers.I2C.
type Adapter struct {
	bus Txer
}

var (
	_ drivers.I2C = (*Adapter)(nil)
	_ Txer        = i2c.Bus(nil)
)

func New(bus Txer) *Adapter { return &Adapter{bus: bus} }

// Open initialises the host drivers and opens the named bus ("" selects
// the first available). The returned closer releases the bus.
func Open(name string) (*Adapter, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Wrap(err, "periph host init")
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open i2c bus %q", name)
	}
	return New(b), b, nil
}

func (a *Adapter) Tx(addr uint16, w, r []byte) error {
	return a.bus.Tx(addr, w, r)
}

func (a *Adapter) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return a.bus.Tx(uint16(addr), []byte{reg}, buf)
}

func (a *Adapter) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	w := make([]byte, 0, len(buf)+1)
	w = append(w, reg)
	w = append(w, buf...)
	return a.bus.Tx(uint16(addr), w, nil)
}
