// Command loadtest drives a seat chat server with simulated passengers.
//
//   - saturate: opens N connections, each joined as its own seat, and holds them
//   - chat:     pairs of seats request, accept and exchange messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/skyconnect/seat-chat/loadtest/client"
	"github.com/skyconnect/seat-chat/loadtest/stats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test; opens N idle joined seats")
	fmt.Println("  chat        Chat lifecycle test; request, accept, exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// connectSeat dials url, waits for session_created and joins as seat. The
// connect latency is recorded on success and an error counted on failure.
func connectSeat(ctx context.Context, url, seat string, collector *stats.Collector) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(connCtx, url)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitForSession(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	if err := c.Join(seat); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}

	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c, nil
}

// seatName returns a valid seat identifier unique per index and side.
func seatName(prefix string, i int) string {
	return fmt.Sprintf("%s%d", prefix, i)
}
