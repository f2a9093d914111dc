// Package timeline stands in for the host's frame counter: it holds the
// current frame and notifies subscribers on every change.
package timeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handler is called with the new current frame, in subscription order, on
// the goroutine that changed the frame.
type Handler func(frame int)

type Timeline struct {
	mu      sync.Mutex
	current int
	nextID  int
	subs    map[int]Handler
}

func New(start int) *Timeline {
	return &Timeline{current: start, subs: map[int]Handler{}}
}

func (t *Timeline) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe installs h and returns its id for Unsubscribe.
func (t *Timeline) Subscribe(h Handler) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.subs[t.nextID] = h
	return t.nextID
}

func (t *Timeline) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

func (t *Timeline) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// SetFrame moves to frame and notifies every subscriber, including when the
// frame jumps or goes backwards.
func (t *Timeline) SetFrame(frame int) {
	t.mu.Lock()
	t.current = frame
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.subs[id])
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

// Play advances one frame per tick at fps until end (inclusive) or ctx is
// done. fps <= 0 advances as fast as possible.
func (t *Timeline) Play(ctx context.Context, fps, end int) error {
	if fps <= 0 {
		for f := t.Current() + 1; f <= end; f++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			t.SetFrame(f)
		}
		return nil
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		f := t.Current() + 1
		if f > end {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			t.SetFrame(f)
		}
	}
}
