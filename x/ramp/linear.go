package ramp

import (
	"context"
	"time"

	"qifan-go/x/mathx"
)

// Step sets the new level in [0..top].
type Step func(level uint16) error

// Sleep waits for d or returns ctx's error.
type Sleep func(ctx context.Context, d time.Duration) error

// Linear moves from cur to to in steps evenly spaced over dur, calling set
// for each new level. steps==0 or dur==0 snaps to to. On cancellation it
// returns ctx's error and leaves the last level set.
func Linear(ctx context.Context, cur, to, top uint16, dur time.Duration, steps uint16, sleep Sleep, set Step) error {
	if steps == 0 || dur <= 0 {
		return set(mathx.Min(to, top))
	}
	d := int32(to) - int32(cur)
	st := int32(steps)
	acc := int32(0)
	cur32 := int32(cur)
	stepDur := dur / time.Duration(steps)
	if stepDur <= 0 {
		stepDur = time.Millisecond
	}

	for i := uint16(1); i < steps; i++ {
		if err := sleep(ctx, stepDur); err != nil {
			return err
		}
		acc += d
		inc := acc / st
		if inc != 0 {
			acc -= inc * st
			cur32 = mathx.Clamp(cur32+inc, 0, int32(top))
			if err := set(uint16(cur32)); err != nil {
				return err
			}
		}
	}
	if err := sleep(ctx, stepDur); err != nil {
		return err
	}
	return set(mathx.Min(to, top))
}
