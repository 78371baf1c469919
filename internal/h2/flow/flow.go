// Package flow implements HTTP/2 flow-control windows.
//
// A window is a signed 31-bit credit counter. Every connection and every
// stream owns two independent windows: an inbound window bounding how much
// the peer may still send us, and an outbound window bounding how much we
// may still send. Outbound windows are mutated both from the connection
// goroutine (SETTINGS, WINDOW_UPDATE) and from stream worker goroutines
// (consuming credit while writing DATA), so all arithmetic is CAS-based.
package flow

import (
	"errors"
	"sync/atomic"
)

// Window size limits per RFC 9113.
const (
	DefaultWindowSize int32 = 65_535
	MaxWindowSize     int32 = 1<<31 - 1
)

var (
	// ErrOverflow is returned when an increment would push a window above 2^31-1.
	ErrOverflow = errors.New("flow control window exceeds 2^31-1")
	// ErrExhausted is returned when a decrement exceeds the remaining credit.
	ErrExhausted = errors.New("flow control window exhausted")
)

// Window is a flow-control credit counter safe for concurrent use.
type Window struct {
	size    atomic.Int32
	updated chan struct{}
}

// NewWindow creates a window seeded with the given credit.
func NewWindow(size int32) *Window {
	w := &Window{updated: make(chan struct{}, 1)}
	w.size.Store(size)
	return w
}

// Size returns the current credit. May be negative after a SETTINGS
// initial-window-size reduction.
func (w *Window) Size() int32 {
	return w.size.Load()
}

// Increment adds n credits. It fails with ErrOverflow, leaving the window
// unchanged, if the result would exceed MaxWindowSize.
func (w *Window) Increment(n int32) error {
	for {
		cur := w.size.Load()
		next := int64(cur) + int64(n)
		if next > int64(MaxWindowSize) {
			return ErrOverflow
		}
		if w.size.CompareAndSwap(cur, int32(next)) {
			w.TriggerUpdate()
			return nil
		}
	}
}

// Decrement consumes n credits. It fails with ErrExhausted, leaving the
// window unchanged, if n exceeds the remaining credit.
func (w *Window) Decrement(n int32) error {
	for {
		cur := w.size.Load()
		if n > cur {
			return ErrExhausted
		}
		if w.size.CompareAndSwap(cur, cur-n) {
			return nil
		}
	}
}

// Adjust applies a signed delta without the non-negative check. SETTINGS
// initial-window-size changes may legally drive an outbound window negative
// (RFC 9113 §6.9.2); writers then stall until WINDOW_UPDATE restores credit.
func (w *Window) Adjust(delta int32) {
	w.size.Add(delta)
	w.TriggerUpdate()
}

// TriggerUpdate wakes one writer blocked on Updated. Used when credit may
// have become available (WINDOW_UPDATE or SETTINGS).
func (w *Window) TriggerUpdate() {
	select {
	case w.updated <- struct{}{}:
	default:
	}
}

// Updated returns a channel that receives after the window grows. Writers
// waiting for credit select on it together with their cancellation signal.
func (w *Window) Updated() <-chan struct{} {
	return w.updated
}

// Inbound tracks credit granted to the peer and replenishes it with
// WINDOW_UPDATE frames once consumption crosses half the configured window.
// The threshold is a latency/chattiness trade-off; the safety invariants
// (never advertise past 2^31-1, never go negative) are enforced by Window.
type Inbound struct {
	win      Window
	max      int32
	consumed atomic.Int32
	update   func(increment int32)
}

// NewInbound creates an inbound window of the given size. update is invoked
// with the replenishment increment whenever a WINDOW_UPDATE should be sent.
func NewInbound(size int32, update func(increment int32)) *Inbound {
	in := &Inbound{max: size, update: update}
	in.win.size.Store(size)
	in.win.updated = make(chan struct{}, 1)
	return in
}

// Size returns the remaining credit granted to the peer.
func (in *Inbound) Size() int32 {
	return in.win.Size()
}

// Consume accounts n received DATA bytes (framed length, padding included)
// against the window. It fails with ErrExhausted if the peer overran its
// credit. Crossing the half-window threshold restores the consumed credit
// and triggers the WINDOW_UPDATE callback.
func (in *Inbound) Consume(n int32) error {
	if n == 0 {
		return nil
	}
	if err := in.win.Decrement(n); err != nil {
		return err
	}
	total := in.consumed.Add(n)
	if total >= in.max/2 && in.consumed.CompareAndSwap(total, 0) {
		if err := in.win.Increment(total); err == nil && in.update != nil {
			in.update(total)
		}
	}
	return nil
}

// Pair bundles the two directions for one flow-control scope.
type Pair struct {
	Inbound  *Inbound
	Outbound *Window
}

// NewPair creates inbound and outbound windows for a connection or stream.
// inboundSize seeds the credit we grant the peer, outboundSize the credit
// the peer granted us.
func NewPair(inboundSize, outboundSize int32, update func(increment int32)) *Pair {
	return &Pair{
		Inbound:  NewInbound(inboundSize, update),
		Outbound: NewWindow(outboundSize),
	}
}
