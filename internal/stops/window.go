// Package stops maintains per-symbol recent-price windows and proposes
// stop-loss adjustments from a cheap volatility estimate.
package stops

import (
	"sync"
)

// PriceWindow is a bounded ring buffer of recent prices. Appends overwrite the
// oldest sample once the capacity is reached.
type PriceWindow struct {
	mu     sync.RWMutex
	buf    []float64
	head   int
	filled bool
}

// NewPriceWindow creates a window holding at most capacity samples
func NewPriceWindow(capacity int) *PriceWindow {
	if capacity < 2 {
		capacity = 2
	}
	return &PriceWindow{buf: make([]float64, capacity)}
}

// Append adds a price sample, evicting the oldest when full
func (w *PriceWindow) Append(price float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.head] = price
	w.head = (w.head + 1) % len(w.buf)
	if w.head == 0 {
		w.filled = true
	}
}

// Samples returns the window contents oldest-first
func (w *PriceWindow) Samples() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.filled {
		out := make([]float64, w.head)
		copy(out, w.buf[:w.head])
		return out
	}
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.head:]...)
	out = append(out, w.buf[:w.head]...)
	return out
}

// Len returns the number of samples currently held
func (w *PriceWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.filled {
		return len(w.buf)
	}
	return w.head
}

// MeanAbsDiff computes the mean of absolute successive price differences, a
// cheap substitute for a range-based volatility estimate. O(n), no allocation
// beyond the sample copy. ok is false with fewer than two samples.
func MeanAbsDiff(prices []float64) (float64, bool) {
	if len(prices) < 2 {
		return 0, false
	}
	sum := 0.0
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(prices)-1), true
}

// Windows is a registry of price windows keyed by symbol. It satisfies the
// risk engine's volatility provider contract.
type Windows struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string]*PriceWindow
}

// NewWindows creates a registry whose windows hold capacity samples each
func NewWindows(capacity int) *Windows {
	return &Windows{capacity: capacity, windows: make(map[string]*PriceWindow)}
}

// Window returns the window for a symbol, creating it on first use
func (ws *Windows) Window(symbol string) *PriceWindow {
	ws.mu.RLock()
	w, ok := ws.windows[symbol]
	ws.mu.RUnlock()
	if ok {
		return w
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if w, ok = ws.windows[symbol]; ok {
		return w
	}
	w = NewPriceWindow(ws.capacity)
	ws.windows[symbol] = w
	return w
}

// Record appends a price sample for a symbol
func (ws *Windows) Record(symbol string, price float64) {
	ws.Window(symbol).Append(price)
}

// Volatility returns the mean-absolute-difference estimate for a symbol
func (ws *Windows) Volatility(symbol string) (float64, bool) {
	ws.mu.RLock()
	w, ok := ws.windows[symbol]
	ws.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return MeanAbsDiff(w.Samples())
}
