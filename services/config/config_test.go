package config

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/errcode"
	"qifan-go/types"
	"qifan-go/x/jsonx"
)

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) {
		if device != "bench" {
			return nil, false
		}
		return []byte(`{
			"qi": {"params": {"kickPct": 20}},
			"debug": true,
			"mqtt": {"broker": "tcp://x:1883"}
		}`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService(zerolog.Nop())

	ctx := WithDevice(context.Background(), "bench")
	svc.Start(ctx, conn)

	sub := conn.Subscribe(bus.T(configPrefix, "#"))
	got := map[string]any{}
	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < 3 && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if !m.Retained || m.Topic.Len() != 2 {
				t.Fatalf("unexpected message %#v", m)
			}
			got[m.Topic.At(1).(string)] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 retained messages, got %v", got)
	}
	if v, ok := got["debug"].(bool); !ok || !v {
		t.Fatalf("debug payload = %#v", got["debug"])
	}

	var qc types.QiConfig
	if err := jsonx.Decode(got["qi"], &qc); err != nil || qc.Params["kickPct"] != 20 {
		t.Fatalf("qi payload %#v (%v)", got["qi"], err)
	}
}

func TestConfig_Errors(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-config")
	svc := NewConfigService(zerolog.Nop())

	if err := svc.Publish(context.Background(), conn); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("missing device: %v", err)
	}
	if err := svc.Publish(WithDevice(context.Background(), "nope"), conn); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("unknown device: %v", err)
	}

	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(string) ([]byte, bool) { return []byte(`[1,2]`), true }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })
	if err := svc.Publish(WithDevice(context.Background(), "x"), conn); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("non-object: %v", err)
	}
}

func TestEmbeddedConfigsDecode(t *testing.T) {
	devs := Devices()
	sort.Strings(devs)
	if len(devs) != 2 || devs[0] != "bench" || devs[1] != "carrier" {
		t.Fatalf("devices %v", devs)
	}
	for _, d := range devs {
		b := bus.NewBus(16)
		conn := b.NewConnection("t")
		if err := NewConfigService(zerolog.Nop()).Publish(WithDevice(context.Background(), d), conn); err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		sub := conn.Subscribe(bus.T(configPrefix, "qi"))
		m := <-sub.Channel()
		var qc types.QiConfig
		if err := jsonx.Decode(m.Payload, &qc); err != nil || qc.PeriodMs == nil || *qc.PeriodMs != 20 {
			t.Fatalf("%s: qi config %+v (%v)", d, qc, err)
		}
	}
}
