package browser

import (
	"context"
	"math/rand/v2"
	"time"
)

// Humanize produces a short burst of pointer activity: a few mouse moves,
// one scroll and small pauses. Input errors are ignored; the page may be
// mid-navigation.
func Humanize(ctx context.Context, page Page) error {
	for round := 0; round < 2; round++ {
		moves := 2 + rand.IntN(3)
		for i := 0; i < moves; i++ {
			x := float64(rand.IntN(1100) + 100)
			y := float64(rand.IntN(600) + 100)
			_ = page.MouseMove(ctx, x, y)

			if err := Sleep(ctx, time.Duration(20+rand.IntN(60))*time.Millisecond); err != nil {
				return err
			}
		}

		if round == 0 {
			_ = page.Scroll(ctx, float64(100+rand.IntN(250)))
		}

		if err := Sleep(ctx, time.Duration(150+rand.IntN(350))*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// RandomDelay returns a duration between minSeconds and maxSeconds.
func RandomDelay(minSeconds, maxSeconds float64) time.Duration {
	if maxSeconds <= minSeconds {
		return time.Duration(minSeconds * float64(time.Second))
	}
	seconds := minSeconds + rand.Float64()*(maxSeconds-minSeconds)
	return time.Duration(seconds * float64(time.Second))
}

// Pause sleeps for a random delay in [minSeconds, maxSeconds].
func Pause(ctx context.Context, minSeconds, maxSeconds float64) error {
	return Sleep(ctx, RandomDelay(minSeconds, maxSeconds))
}
