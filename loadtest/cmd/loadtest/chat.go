package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/skyconnect/seat-chat/loadtest/client"
	"github.com/skyconnect/seat-chat/loadtest/stats"
)

// pair is one requester/target couple. The requester sits in seat "A<n>" and
// the target in "B<n>".
type pair struct {
	requester *client.Client
	target    *client.Client
	room      string

	accepted  bool
	handshake time.Duration
	sent      atomic.Int64
	received  atomic.Int64
}

// inflight maps ack ids to send times for one client.
type inflight struct {
	mu    sync.Mutex
	next  int64
	sends map[int64]time.Time
}

func (f *inflight) add(now time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sends[f.next] = now
	return f.next
}

func (f *inflight) take(id int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.sends[id]
	delete(f.sends, id)
	return t, ok
}

// runChat connects every pair, runs request and accept for each, then has
// both seats exchange messages for the chat duration. Ack latency is measured
// from send_message to ack and delivery latency from send_message to the
// peer's receive_message.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of seat pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per seat")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	acceptTimeout := fs.Duration("accept-timeout", 15*time.Second, "Timeout for request and accept")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect and join both seats of every pair
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect ---")

	all := make([]*pair, *pairs)
	ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		req, err := connectSeat(ctx, *url, seatName("A", i+1), collector)
		if err != nil {
			return
		}
		tgt, err := connectSeat(ctx, *url, seatName("B", i+1), collector)
		if err != nil {
			req.Close()
			return
		}
		all[i] = &pair{requester: req, target: tgt}
	})

	fmt.Printf("Connected %d/%d clients (%d errors)\n",
		collector.ConnectionCount(), *pairs*2, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: request and accept
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Request / accept ---")

	var wg sync.WaitGroup
	for _, p := range all {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(p *pair) {
			defer wg.Done()
			if err := handshake(ctx, p, *acceptTimeout); err != nil {
				collector.AddError()
			}
		}(p)
	}
	wg.Wait()

	var handshakes []time.Duration
	for _, p := range all {
		if p != nil && p.accepted {
			handshakes = append(handshakes, p.handshake)
		}
	}
	hs := stats.Summarize(handshakes)
	fmt.Printf("Accepted %d/%d pairs  p50: %v  p99: %v\n",
		hs.N, *pairs, hs.P50.Round(time.Microsecond), hs.P99.Round(time.Microsecond))

	// -----------------------------------------------------------------------
	// Phase 3: exchange messages
	// -----------------------------------------------------------------------
	if ctx.Err() == nil {
		fmt.Printf("\n--- Phase 3: Chat for %s ---\n", *chatDuration)

		chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
		for _, p := range all {
			if p == nil || !p.accepted {
				continue
			}
			wg.Add(2)
			go func(p *pair) {
				defer wg.Done()
				converse(chatCtx, p, p.requester, p.target, *msgInterval, *msgSize, collector)
			}(p)
			go func(p *pair) {
				defer wg.Done()
				converse(chatCtx, p, p.target, p.requester, *msgInterval, *msgSize, collector)
			}(p)
		}
		wg.Wait()
		cancel()
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	var sent, received int64
	for _, p := range all {
		if p == nil {
			continue
		}
		sent += p.sent.Load()
		received += p.received.Load()
		p.requester.Close()
		p.target.Close()
	}
	fmt.Printf("\nMessages sent: %d  received: %d\n", sent, received)

	scraper.Stop()
	collector.Report()
}

// handshake sends the chat request from the requester, accepts it from the
// target and waits for the requester to learn the room.
func handshake(ctx context.Context, p *pair, timeout time.Duration) error {
	requested := make(chan struct{}, 1)
	accepted := make(chan string, 1)

	p.target.On(client.TypeChatRequest, func(json.RawMessage) {
		select {
		case requested <- struct{}{}:
		default:
		}
	})
	p.requester.On(client.TypeChatRequestAccepted, func(raw json.RawMessage) {
		var m struct {
			Room string `json:"room"`
		}
		_ = json.Unmarshal(raw, &m)
		select {
		case accepted <- m.Room:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	from, to := p.requester.Seat(), p.target.Seat()
	if err := p.requester.Send(map[string]string{
		"type": client.TypeSendChatRequest, "fromSeat": from, "toSeat": to,
	}); err != nil {
		return err
	}

	select {
	case <-requested:
	case <-ctx.Done():
		return fmt.Errorf("waiting for chat_request: %w", ctx.Err())
	}

	if err := p.target.Send(map[string]string{
		"type": client.TypeAcceptChatRequest, "fromSeat": from, "toSeat": to,
	}); err != nil {
		return err
	}

	select {
	case room := <-accepted:
		p.room = room
	case <-ctx.Done():
		return fmt.Errorf("waiting for chat_request_accepted: %w", ctx.Err())
	}

	p.handshake = time.Since(start)
	p.accepted = true
	return nil
}

// converse sends a message from self to peer every interval until ctx ends.
// The send time is embedded at the head of each message so the receiving
// side can measure delivery latency.
func converse(ctx context.Context, p *pair, self, peer *client.Client, interval time.Duration, size int, collector *stats.Collector) {
	pending := &inflight{sends: make(map[int64]time.Time)}

	self.On(client.TypeAck, func(raw json.RawMessage) {
		var ack struct {
			AckID   int64  `json:"ackId"`
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(raw, &ack); err != nil {
			return
		}
		sentAt, ok := pending.take(ack.AckID)
		if !ok {
			return
		}
		code := ack.Error
		if !ack.Success && code == "" {
			code = "unknown"
		}
		collector.AddAck(time.Since(sentAt), code)
	})
	self.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var m struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		head, _, _ := strings.Cut(m.Message, " ")
		if ns, err := strconv.ParseInt(head, 10, 64); err == nil {
			collector.AddDelivery(time.Since(time.Unix(0, ns)))
		}
		p.received.Add(1)
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-self.Done():
			collector.AddError()
			return
		case <-ticker.C:
		}

		now := time.Now()
		id := pending.add(now)
		err := self.Send(map[string]interface{}{
			"type":     client.TypeSendMessage,
			"fromSeat": self.Seat(),
			"toSeat":   peer.Seat(),
			"room":     p.room,
			"message":  payload(now, size),
			"ackId":    id,
		})
		if err != nil {
			collector.AddError()
			return
		}
		p.sent.Add(1)
	}
}

// payload builds a message of size bytes that starts with the send time in
// unix nanoseconds.
func payload(now time.Time, size int) string {
	head := strconv.FormatInt(now.UnixNano(), 10) + " "
	if len(head) > size {
		return strings.TrimSpace(head)
	}
	return head + strings.Repeat("x", size-len(head))
}
