package motors

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/registry"
	"qifan-go/types"
)

func setParam(t *testing.T, p *registry.Registry, name string, v int64) {
	t.Helper()
	if err := p.Set(p.ID(Group, name), v); err != nil {
		t.Fatalf("set %s: %v", name, err)
	}
}

func waitLatest(t *testing.T, r *Recorder, want Output) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Latest() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("latest %+v, want %+v", r.Latest(), want)
}

func TestOutput_EnableGatesRaw(t *testing.T) {
	p := registry.New(registry.KindParam, nil)
	s, err := New(p, &Recorder{}, 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	setParam(t, p, "m1", 100)
	setParam(t, p, "m4", 400)
	if out := s.Output(); out != (Output{}) {
		t.Fatalf("disabled output must be zero, got %+v", out)
	}
	setParam(t, p, "enable", 1)
	if out := s.Output(); !out.Enable || out.Raw != [NumChannels]uint16{100, 0, 0, 400} {
		t.Fatalf("enabled output %+v", out)
	}
}

func TestNew_DuplicateGroupFails(t *testing.T) {
	p := registry.New(registry.KindParam, nil)
	if _, err := New(p, &Recorder{}, 0, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if _, err := New(p, &Recorder{}, 0, zerolog.Nop()); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRun_ForwardsChangesAndStopsOnExit(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("motors_test")
	p := registry.New(registry.KindParam, nil)
	rec := &Recorder{}
	s, err := New(p, rec, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx, conn); close(done) }()

	setParam(t, p, "enable", 1)
	for _, n := range []string{"m1", "m2", "m3", "m4"} {
		setParam(t, p, n, 3275)
	}
	want := Output{Enable: true, Raw: [NumChannels]uint16{3275, 3275, 3275, 3275}}
	waitLatest(t, rec, want)
	if s.Last() != want {
		t.Fatalf("Last %+v", s.Last())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if rec.Latest() != (Output{}) || !rec.Closed() {
		t.Fatalf("expected final all-off and close, got %+v closed=%t", rec.Latest(), rec.Closed())
	}

	sub := conn.Subscribe(topicState)
	select {
	case m := <-sub.Channel():
		if st := m.Payload.(types.ServiceState); st.Level != "stopped" {
			t.Fatalf("state %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no motors/state")
	}
}

func TestRecorder_CollapsesRepeats(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	_ = r.Apply(ctx, Output{})
	_ = r.Apply(ctx, Output{})
	_ = r.Apply(ctx, Output{Enable: true})
	if n := len(r.History()); n != 2 {
		t.Fatalf("history len %d, want 2", n)
	}
}
