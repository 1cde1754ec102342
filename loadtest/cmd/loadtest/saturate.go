package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/skyconnect/seat-chat/loadtest/client"
	"github.com/skyconnect/seat-chat/loadtest/stats"
)

// fleet is the set of open passenger connections.
type fleet struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (f *fleet) add(c *client.Client) {
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
}

// alive counts connections whose read loop is still running.
func (f *fleet) alive() (alive, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive, len(f.clients)
}

func (f *fleet) closeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.Close()
	}
	return len(f.clients)
}

// runSaturate opens the requested number of connections over the ramp
// period, joins each as a distinct seat ("S1", "S2", ...) and holds them for
// the hold period. A connection counts as dropped once its read loop ends,
// which covers heartbeat evictions and server-side closes.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of seats to join")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all seats joined")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (optional)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d seats on %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *metricsURL != "" {
		scraper = stats.NewScraper(*metricsURL, 5*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	f := &fleet{}

	fmt.Println("\n--- Ramp-up ---")
	start := time.Now()
	done := make(chan struct{})
	go reportProgress(collector, *connections, done)
	ramp(ctx, *connections, *rampUp, *concurrency, func(i int) {
		if c, err := connectSeat(ctx, *url, seatName("S", i+1), collector); err == nil {
			f.add(c)
		}
	})
	close(done)

	fmt.Printf("\nJoined %d/%d seats in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if ctx.Err() == nil {
		holdOpen(ctx, f, *hold)
	}

	fmt.Printf("\nClosing %d connections\n", f.closeAll())
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

// ramp calls launch n times spread over d, at most limit at once, and waits
// for every launch to return. It stops launching when ctx ends.
func ramp(ctx context.Context, n int, d time.Duration, limit int, launch func(i int)) {
	interval := d / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			return
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			launch(i)
		}(i)
	}
}

func reportProgress(collector *stats.Collector, target int, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last, lastAt := 0, time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			n := collector.ConnectionCount()
			rate := float64(n-last) / now.Sub(lastAt).Seconds()
			fmt.Printf("  [ramp] seats: %d/%d  errors: %d  rate: %.1f/s\n",
				n, target, collector.ErrorCount(), rate)
			last, lastAt = n, now
		}
	}
}

func holdOpen(ctx context.Context, f *fleet, hold time.Duration) {
	_, initial := f.alive()
	fmt.Printf("\n--- Hold %d connections for %s ---\n", initial, hold)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			return
		case <-timer.C:
			alive, total := f.alive()
			fmt.Printf("Hold complete: %d/%d alive, %d dropped\n", alive, total, total-alive)
			return
		case <-status.C:
			alive, total := f.alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
		}
	}
}
