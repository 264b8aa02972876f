package qi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func(time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}

// fakeActuator records every write.
type fakeActuator struct {
	mu     sync.Mutex
	ops    []string
	bypass bool
	ch     [NumChannels]uint16
}

func (a *fakeActuator) SetBypassEnable(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bypass = on
	a.ops = append(a.ops, fmt.Sprintf("bypass=%t", on))
	return nil
}

func (a *fakeActuator) SetChannelRaw(ch int, raw uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch[ch-1] = raw
	a.ops = append(a.ops, fmt.Sprintf("m%d=%d", ch, raw))
	return nil
}

// takeOps returns and clears the recorded writes.
func (a *fakeActuator) takeOps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.ops
	a.ops = nil
	return out
}

func (a *fakeActuator) snapshot() (bool, [NumChannels]uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bypass, a.ch
}

type fakeRaw struct {
	code uint32
	ok   bool
}

func (f *fakeRaw) ReadStateCode() (uint32, bool) { return f.code, f.ok }

type fakeDirect struct{ charging bool }

func (f *fakeDirect) IsCharging() bool { return f.charging }

func allChannels(raw uint16) [NumChannels]uint16 {
	var out [NumChannels]uint16
	for i := range out {
		out[i] = raw
	}
	return out
}
