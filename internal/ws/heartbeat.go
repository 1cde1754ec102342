package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // a connection silent for longer is dropped
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes the ones
// that have sent nothing for Timeout. Browsers answer pings with pongs, so a
// live tab always counts as active. Stops when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweep(server, config.Timeout, time.Now())
			}
		}
	}()
}

func sweep(server *Server, timeout time.Duration, now time.Time) {
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > timeout {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
