// Package backend talks to the airline's passenger/chat REST service: seat
// existence checks and the request persistence endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the service at baseURL. timeout bounds
// every call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type checkSeatResponse struct {
	Exists bool `json:"exists"`
}

type seatPair struct {
	FromSeat string `json:"fromSeat"`
	ToSeat   string `json:"toSeat"`
}

// CheckSeat reports whether seat is a ticketed seat on the flight.
func (c *Client) CheckSeat(ctx context.Context, seat string) (bool, error) {
	endpoint := c.baseURL + "/api/passengers/check-seat/" + url.PathEscape(seat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("backend: build check-seat: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("backend: check-seat %s: %w", seat, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("backend: check-seat %s: status %d", seat, resp.StatusCode)
	}

	var body checkSeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("backend: decode check-seat: %w", err)
	}
	return body.Exists, nil
}

// SendRequest records a new chat request with the backend.
func (c *Client) SendRequest(ctx context.Context, from, to string) error {
	return c.post(ctx, "/api/chat/send-request", seatPair{FromSeat: from, ToSeat: to})
}

// AcceptRequest records an accepted chat request with the backend.
func (c *Client) AcceptRequest(ctx context.Context, from, to string) error {
	return c.post(ctx, "/api/chat/accept-request", seatPair{FromSeat: from, ToSeat: to})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend: post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
