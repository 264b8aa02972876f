// Package canesc sends motor outputs to CAN-attached ESCs.
//
// Two classic frames per update:
//
//	base+0  8 bytes  m1..m4 raw, little-endian uint16
//	base+1  1 byte   bypass enable (0/1)
//
// Enabling sends the enable frame first; disabling sends the zeroed
// channel frame first.
package canesc

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/multierr"

	"qifan-go/services/motors"
)

// DefaultBaseID is the first of the two frame IDs.
const DefaultBaseID = 0x300

// Transmitter is satisfied by *socketcan.Transmitter.
type Transmitter interface {
	TransmitFrame(ctx context.Context, f can.Frame) error
}

type Driver struct {
	tx     Transmitter
	conn   net.Conn // nil when constructed with NewWithTransmitter
	baseID uint32
}

// Dial opens iface (e.g. "can0", "vcan0") through SocketCAN.
func Dial(ctx context.Context, iface string, baseID uint32) (*Driver, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	d := NewWithTransmitter(socketcan.NewTransmitter(conn), baseID)
	d.conn = conn
	return d, nil
}

// NewWithTransmitter builds a driver over any transmitter. baseID 0
// selects DefaultBaseID.
func NewWithTransmitter(tx Transmitter, baseID uint32) *Driver {
	if baseID == 0 {
		baseID = DefaultBaseID
	}
	return &Driver{tx: tx, baseID: baseID}
}

// ChannelFrame encodes the four raw channel values.
func ChannelFrame(baseID uint32, raw [motors.NumChannels]uint16) can.Frame {
	f := can.Frame{ID: baseID, Length: 8}
	for i, v := range raw {
		binary.LittleEndian.PutUint16(f.Data[i*2:], v)
	}
	return f
}

// EnableFrame encodes the bypass switch.
func EnableFrame(baseID uint32, on bool) can.Frame {
	f := can.Frame{ID: baseID + 1, Length: 1}
	if on {
		f.Data[0] = 1
	}
	return f
}

// DecodeChannelFrame is the inverse of ChannelFrame.
func DecodeChannelFrame(f can.Frame) (raw [motors.NumChannels]uint16, err error) {
	if f.Length != 8 {
		return raw, errors.Errorf("channel frame 0x%X: length %d", f.ID, f.Length)
	}
	for i := range raw {
		raw[i] = binary.LittleEndian.Uint16(f.Data[i*2:])
	}
	return raw, nil
}

func (d *Driver) Apply(ctx context.Context, out motors.Output) error {
	chf := ChannelFrame(d.baseID, out.Raw)
	enf := EnableFrame(d.baseID, out.Enable)
	first, second := enf, chf
	if !out.Enable {
		first, second = chf, enf
	}
	if err := d.tx.TransmitFrame(ctx, first); err != nil {
		return errors.Wrapf(err, "transmit 0x%X", first.ID)
	}
	if err := d.tx.TransmitFrame(ctx, second); err != nil {
		return errors.Wrapf(err, "transmit 0x%X", second.ID)
	}
	return nil
}

func (d *Driver) Close() error {
	var err error
	if d.conn != nil {
		err = multierr.Append(err, d.conn.Close())
		d.conn = nil
	}
	return err
}
