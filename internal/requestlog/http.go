package requestlog

import (
	"context"

	"github.com/skyconnect/seat-chat/internal/backend"
)

// HTTPSink forwards sent and accepted requests to the backend's persistence
// endpoints. The backend has no decline endpoint, so declines are skipped.
type HTTPSink struct {
	client *backend.Client
}

func NewHTTPSink(client *backend.Client) *HTTPSink {
	return &HTTPSink{client: client}
}

func (s *HTTPSink) Name() string { return "backend" }

func (s *HTTPSink) Record(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindSent:
		return s.client.SendRequest(ctx, ev.FromSeat, ev.ToSeat)
	case KindAccepted:
		return s.client.AcceptRequest(ctx, ev.FromSeat, ev.ToSeat)
	}
	return nil
}
