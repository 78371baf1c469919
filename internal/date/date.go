// Package date provides a cached, thread-safe RFC1123 date string for
// response headers, refreshed on a ticker instead of formatting per
// request.
package date

import (
	"sync/atomic"
	"time"
)

var current atomic.Pointer[string]

// StartTicker begins refreshing the cached date every 500ms. It returns a
// stop function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func update() {
	s := time.Now().UTC().Format(time.RFC1123)
	current.Store(&s)
}

// Current returns the cached HTTP date value, formatting on the spot when
// the ticker was never started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(time.RFC1123)
}
