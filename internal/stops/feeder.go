package stops

import (
	"context"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/venue"
)

// Feeder polls the venue for latest prices on a faster cadence than the main
// decision loop and appends them to the shared windows. It never touches
// position or metrics state.
type Feeder struct {
	conn     venue.Connector
	windows  *Windows
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	symbols map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFeeder creates a price feeder for the given windows
func NewFeeder(conn venue.Connector, windows *Windows, interval time.Duration, log *logger.Logger) *Feeder {
	return &Feeder{
		conn:     conn,
		windows:  windows,
		interval: interval,
		log:      log,
		symbols:  make(map[string]bool),
	}
}

// Watch adds a symbol to the polling set
func (f *Feeder) Watch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[symbol] = true
}

// Unwatch removes a symbol from the polling set
func (f *Feeder) Unwatch(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.symbols, symbol)
}

func (f *Feeder) watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	return out
}

// Start launches the polling goroutine. Stop the feeder via Stop or by
// cancelling the parent context.
func (f *Feeder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.poll(ctx)
			}
		}
	}()
}

func (f *Feeder) poll(ctx context.Context) {
	for _, symbol := range f.watched() {
		price, err := f.conn.GetLatestPrice(ctx, symbol)
		if err != nil {
			if venue.IsConnectivity(err) {
				f.log.Warning("price poll for %s failed: %v", symbol, err)
			}
			continue
		}
		f.windows.Record(symbol, price)
	}
}

// Stop cancels the polling goroutine and waits for it to exit
func (f *Feeder) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
