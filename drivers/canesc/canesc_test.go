package canesc

import (
	"context"
	"errors"
	"testing"

	"go.einride.tech/can"

	"qifan-go/services/motors"
)

type captureTx struct {
	frames []can.Frame
	err    error
}

func (c *captureTx) TransmitFrame(_ context.Context, f can.Frame) error {
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func TestApply_EnableOrder(t *testing.T) {
	tx := &captureTx{}
	d := NewWithTransmitter(tx, 0)
	raw := [motors.NumChannels]uint16{9825, 9825, 9825, 9825}

	if err := d.Apply(context.Background(), motors.Output{Enable: true, Raw: raw}); err != nil {
		t.Fatal(err)
	}
	if len(tx.frames) != 2 || tx.frames[0].ID != DefaultBaseID+1 || tx.frames[0].Data[0] != 1 {
		t.Fatalf("enable frame must go first: %v", tx.frames)
	}
	got, err := DecodeChannelFrame(tx.frames[1])
	if err != nil || got != raw {
		t.Fatalf("decoded %v, %v", got, err)
	}
}

func TestApply_DisableOrder(t *testing.T) {
	tx := &captureTx{}
	d := NewWithTransmitter(tx, 0x120)
	if err := d.Apply(context.Background(), motors.Output{}); err != nil {
		t.Fatal(err)
	}
	if tx.frames[0].ID != 0x120 || tx.frames[1].ID != 0x121 || tx.frames[1].Data[0] != 0 {
		t.Fatalf("zeroed channels must go first: %v", tx.frames)
	}
}

func TestChannelFrame_LittleEndian(t *testing.T) {
	f := ChannelFrame(0x300, [motors.NumChannels]uint16{0x0102, 0, 0, 0xFFFF})
	if f.Data[0] != 0x02 || f.Data[1] != 0x01 || f.Data[6] != 0xFF || f.Data[7] != 0xFF {
		t.Fatalf("unexpected payload % X", f.Data)
	}
	if _, err := DecodeChannelFrame(can.Frame{ID: 0x300, Length: 2}); err == nil {
		t.Fatal("short frame must be rejected")
	}
}

func TestApply_TransmitError(t *testing.T) {
	d := NewWithTransmitter(&captureTx{err: errors.New("bus-off")}, 0)
	if err := d.Apply(context.Background(), motors.Output{Enable: true}); err == nil {
		t.Fatal("expected error")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}
