package stats

import (
	"strings"
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"seatchat_seats_online 12", "seatchat_seats_online", 12, true},
		{`seatchat_messages_total{type="delivered"} 7`, "seatchat_messages_total", 7, true},
		{`seatchat_messages_total{type="offline"} 3 1700000000000`, "seatchat_messages_total", 3, true},
		{"seatchat_message_latency_seconds_sum 0.25", "seatchat_message_latency_seconds_sum", 0.25, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely_name", "", 0, false},
		{"name notanumber", "", 0, false},
	}

	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("parseMetricLine(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestParseSnapshot_SumsLabelledSeries(t *testing.T) {
	body := strings.Join([]string{
		"# HELP seatchat_messages_total Messages relayed.",
		"# TYPE seatchat_messages_total counter",
		`seatchat_messages_total{type="delivered"} 10`,
		`seatchat_messages_total{type="offline"} 2`,
		"seatchat_connections_total 40",
		"seatchat_seats_online 38",
		`seatchat_chat_requests_total{event="sent"} 5`,
		`seatchat_chat_requests_total{event="accepted"} 4`,
		"seatchat_message_latency_seconds_count 12",
		"",
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.messagesTotal != 12 {
		t.Errorf("messagesTotal = %v, want 12", snap.messagesTotal)
	}
	if snap.requestsTotal != 9 {
		t.Errorf("requestsTotal = %v, want 9", snap.requestsTotal)
	}
	if snap.connections != 40 || snap.seatsOnline != 38 {
		t.Errorf("gauges = %v/%v, want 40/38", snap.connections, snap.seatsOnline)
	}
	if snap.latencyCount != 12 {
		t.Errorf("latencyCount = %v, want 12", snap.latencyCount)
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize(nil); got.N != 0 {
		t.Fatalf("empty summary N = %d", got.N)
	}

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	p := Summarize(ds)
	if p.N != 100 {
		t.Errorf("N = %d, want 100", p.N)
	}
	if p.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", p.P50)
	}
	if p.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", p.P95)
	}
	if p.P99 != 99*time.Millisecond {
		t.Errorf("P99 = %v, want 99ms", p.P99)
	}
	if p.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", p.Max)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v, want 50.5ms", p.Avg)
	}
}

func TestCollector_AckFailuresAreNotLatencies(t *testing.T) {
	c := NewCollector()
	c.AddAck(time.Millisecond, "")
	c.AddAck(time.Millisecond, "recipient_offline")
	c.AddAck(time.Millisecond, "recipient_offline")

	if len(c.ackLatencies) != 1 {
		t.Errorf("ack latencies = %d, want 1", len(c.ackLatencies))
	}
	if c.ackFailures["recipient_offline"] != 2 {
		t.Errorf("failures = %v", c.ackFailures)
	}
}
