package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Humanizer paces pointer and keyboard input the way a person would:
// randomized pauses, multi-step pointer paths, uneven typing.
type Humanizer struct {
	mu    sync.Mutex
	rng   *rand.Rand
	sleep SleepFunc

	x, y float64
}

// NewHumanizer creates a humanizer seeded with seed
func NewHumanizer(seed int64, sleep SleepFunc) *Humanizer {
	if sleep == nil {
		sleep = Sleep
	}
	return &Humanizer{rng: rand.New(rand.NewSource(seed)), sleep: sleep}
}

func (h *Humanizer) float() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

func (h *Humanizer) intn(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Intn(n)
}

// Between returns a random duration in [lo, hi]
func (h *Humanizer) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(h.float()*float64(hi-lo))
}

// Pause sleeps for a random duration in [lo, hi]
func (h *Humanizer) Pause(ctx context.Context, lo, hi time.Duration) error {
	return h.sleep(ctx, h.Between(lo, hi))
}

// Target picks a point in the 20-80% sub-region of r
func (h *Humanizer) Target(r Rect) (float64, float64) {
	return r.X + r.Width*(0.2+h.float()*0.6), r.Y + r.Height*(0.2+h.float()*0.6)
}

// MoveTo walks the pointer to (x, y) in steps intermediate positions
func (h *Humanizer) MoveTo(ctx context.Context, page Page, x, y float64, steps int) error {
	if steps < 1 {
		steps = 1
	}
	fromX, fromY := h.x, h.y
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		px := fromX + (x-fromX)*t
		py := fromY + (y-fromY)*t
		if i < steps {
			px += (h.float() - 0.5) * 4
			py += (h.float() - 0.5) * 4
		}
		if err := page.MoveMouse(ctx, px, py); err != nil {
			return err
		}
		if err := h.sleep(ctx, time.Duration(5+h.intn(15))*time.Millisecond); err != nil {
			return err
		}
	}
	h.x, h.y = x, y
	return nil
}

// Wander moves the pointer to a few random spots of the viewport
func (h *Humanizer) Wander(ctx context.Context, page Page) error {
	w, ht := page.Viewport()
	for i := 0; i < 3; i++ {
		if err := h.MoveTo(ctx, page, h.float()*w, h.float()*ht, 10+h.intn(20)); err != nil {
			return err
		}
		if h.float() > 0.7 {
			if err := h.Pause(ctx, 200*time.Millisecond, 600*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

// Click approaches the element, hovers briefly and clicks a random point
// inside it
func (h *Humanizer) Click(ctx context.Context, page Page, sel Selector) error {
	box, err := page.Box(ctx, sel)
	if err != nil {
		return err
	}
	x, y := h.Target(box)
	if err := h.MoveTo(ctx, page, x-50, y+30, 5); err != nil {
		return err
	}
	if err := h.MoveTo(ctx, page, x, y, 15); err != nil {
		return err
	}
	if err := h.Pause(ctx, 200*time.Millisecond, 500*time.Millisecond); err != nil {
		return err
	}
	return page.Click(ctx, x, y)
}

// Type focuses the element and types text one key at a time with a
// 150-350ms delay, occasionally hesitating a little longer
func (h *Humanizer) Type(ctx context.Context, page Page, sel Selector, text string) error {
	if err := h.Click(ctx, page, sel); err != nil {
		return err
	}
	if err := h.Pause(ctx, 400*time.Millisecond, 800*time.Millisecond); err != nil {
		return err
	}
	for _, r := range text {
		if err := page.TypeKey(ctx, string(r)); err != nil {
			return err
		}
		if err := h.Pause(ctx, 150*time.Millisecond, 350*time.Millisecond); err != nil {
			return err
		}
		if h.float() > 0.8 {
			if err := h.Pause(ctx, 100*time.Millisecond, 400*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}
