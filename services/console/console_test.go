package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/registry"
	"qifan-go/types"
)

func newHandler() *Handler {
	params := registry.New(registry.KindParam, nil)
	params.MustAdd(registry.Spec{Group: "custom_qi", Name: "kickPct", Type: types.VarUint16, Default: 15})
	params.MustAdd(registry.Spec{Group: "custom_qi", Name: "enable", Type: types.VarUint8, Default: 1})
	logs := registry.New(registry.KindLog, nil)
	logs.MustAdd(registry.Spec{Group: "custom_qi", Name: "state", Type: types.VarUint8, ReadOnly: true})
	return &Handler{Params: params, Logs: logs}
}

func TestHandler_Exec(t *testing.T) {
	h := newHandler()
	cases := []struct {
		in   string
		want []string
	}{
		{"get custom_qi.kickPct", []string{"ok custom_qi.kickPct 15"}},
		{"set custom_qi.kickPct 20", []string{"ok custom_qi.kickPct 20"}},
		{"get custom_qi.kickPct", []string{"ok custom_qi.kickPct 20"}},
		{"set custom_qi.enable 0x100", []string{"ok custom_qi.enable 0"}},
		{"SET custom_qi.kickPct abc", []string{"err invalid_params"}},
		{"get custom_qi.nope", []string{"err unknown_param"}},
		{"log custom_qi.state", []string{"ok custom_qi.state 0"}},
		{"get", []string{"err invalid_params"}},
		{"fly", []string{"err unsupported"}},
		{`get "custom_qi.kickPct`, []string{"err invalid_params"}},
		{"", nil},
		{"list logs", []string{"custom_qi.state uint8 0 ro", "ok 1"}},
		{"list params", []string{"custom_qi.enable uint8 0", "custom_qi.kickPct uint16 20", "ok 2"}},
		{"list bogus", []string{"err invalid_params"}},
	}
	for _, tc := range cases {
		if got := h.Exec(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Exec(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := h.Exec("help"); len(got) != 1 || got[0][:2] != "ok" {
		t.Fatalf("help = %q", got)
	}
}

func TestHandler_SetReadOnlyLog(t *testing.T) {
	h := newHandler()
	h.Params = h.Logs // writes to a read-only var must be refused
	if got := h.Exec("set custom_qi.state 1"); got[0] != "err read_only" {
		t.Fatalf("got %q", got)
	}
}

func TestConsole_ServesSerialLinkAndReportsState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("console_test")

	prevDial := Dial
	defer func() { Dial = prevDial }()
	remotes := make(chan net.Conn, 2)
	Dial = func(ctx context.Context, _ types.ConsoleConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remotes <- rc
		return lc, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, newHandler(), zerolog.Nop())

	stateSub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(stateSub)
	assertLevelStatus(t, nextStatePayload(t, stateSub, 500*time.Millisecond), "idle", "awaiting_config")

	conn.Publish(conn.NewMessage(topicConfig, `{"port":"/dev/ttyFAKE","baud":115200}`, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "up", "link_established")

	remote := <-remotes
	rd := bufio.NewReader(remote)
	if _, err := remote.Write([]byte("set custom_qi.kickPct 25\n")); err != nil {
		t.Fatal(err)
	}
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	line, err := rd.ReadString('\n')
	if err != nil || line != "ok custom_qi.kickPct 25\n" {
		t.Fatalf("reply %q (%v)", line, err)
	}

	_ = remote.Close()
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "degraded", "link_lost_retrying")
}

func TestConsole_NoPortYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("console_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, newHandler(), zerolog.Nop())

	stateSub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(stateSub)
	_ = nextStatePayload(t, stateSub, 500*time.Millisecond)

	conn.Publish(conn.NewMessage(topicConfig, `{"baud":9600}`, false))
	assertLevelStatus(t, nextStatePayload(t, stateSub, time.Second), "error", "transport_init_failed")
}

func TestConsole_BusExec(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("console_exec")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, b.NewConnection("console"), newHandler(), zerolog.Nop())

	rctx, rcancel := context.WithTimeout(ctx, time.Second)
	defer rcancel()
	var reply *bus.Message
	var err error
	// The service may not have subscribed yet; retry until it answers.
	for reply == nil && rctx.Err() == nil {
		short, c := context.WithTimeout(rctx, 50*time.Millisecond)
		reply, err = conn.RequestWait(short, conn.NewMessage(TopicExec, "get custom_qi.enable", false))
		c()
	}
	if err != nil || reply == nil {
		t.Fatalf("no reply: %v", err)
	}
	if got := reply.Payload.(string); got != "ok custom_qi.enable 1" {
		t.Fatalf("reply %q", got)
	}
}

func TestBackoffSeq(t *testing.T) {
	next := backoffSeq(250*time.Millisecond, time.Second)
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := next(); got != w {
			t.Fatalf("step %d: %v, want %v", i, got, w)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func nextStatePayload(t *testing.T, sub *bus.Subscription, d time.Duration) map[string]any {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type: got %T, want map[string]any", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for console/state")
		return nil
	}
}

func assertLevelStatus(t *testing.T, payload map[string]any, wantLevel, wantStatus string) {
	t.Helper()
	gotLevel, _ := payload["level"].(string)
	gotStatus, _ := payload["status"].(string)
	if gotLevel != wantLevel || gotStatus != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (payload=%v)",
			gotLevel, gotStatus, wantLevel, wantStatus, payload)
	}
}

// failingLink delivers chunks to the reader and refuses every write.
type failingLink struct {
	chunks chan string
}

func (f *failingLink) Read(p []byte) (int, error) {
	c, ok := <-f.chunks
	if !ok {
		return 0, io.EOF
	}
	return copy(p, c), nil
}

func (f *failingLink) Write([]byte) (int, error) { return 0, errors.New("tx fault") }
func (f *failingLink) Close() error                { return nil }

func TestHandleLink_WriteErrorReleasesReader(t *testing.T) {
	before := runtime.NumGoroutine()

	link := &failingLink{chunks: make(chan string, 2)}
	link.chunks <- "get custom_qi.enable\n"
	link.chunks <- "get custom_qi.kickPct\n"

	s := &Service{h: newHandler(), log: zerolog.Nop()}
	if err := s.handleLink(context.Background(), link); err == nil {
		t.Fatal("expected write error")
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("reader goroutine still running: %d > %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
