// Package api serves the read-only REST surface next to the WebSocket
// endpoint: metrics, pending requests, request history, presence and room
// resolution.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/skyconnect/seat-chat/internal/chatreq"
	"github.com/skyconnect/seat-chat/internal/metrics"
	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/requestlog"
	"github.com/skyconnect/seat-chat/internal/seat"
)

// Requests lists pending chat requests.
type Requests interface {
	PendingFor(ctx context.Context, seat string) ([]chatreq.Request, error)
}

// Presence answers whether a seat is connected.
type Presence interface {
	Online(ctx context.Context, seat string) bool
}

// History reads the request log.
type History interface {
	History(ctx context.Context, seat string, limit int) ([]requestlog.Event, error)
}

// Handler holds the collaborators behind the routes. History may be nil.
type Handler struct {
	Requests Requests
	Presence Presence
	History  History
}

// Register mounts the routes on e.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("/api")
	g.GET("/chat/requests/:seat", h.PendingRequests)
	g.GET("/chat/requests/:seat/history", h.RequestHistory)
	g.GET("/presence/:seat", h.SeatPresence)
	g.GET("/rooms", h.ResolveRoom)
}

type pendingResponse struct {
	Seat     string                    `json:"seat"`
	Requests []protocol.PendingRequest `json:"requests"`
}

func seatParam(c echo.Context) (string, bool) {
	s := seat.Normalize(c.Param("seat"))
	return s, seat.Valid(s)
}

// PendingRequests returns the pending requests addressed to :seat, oldest
// first.
func (h *Handler) PendingRequests(c echo.Context) error {
	s, ok := seatParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat"})
	}

	reqs, err := h.Requests.PendingFor(c.Request().Context(), s)
	if err != nil {
		log.Printf("[api] pending %s: %v", s, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "request store error"})
	}

	return c.JSON(http.StatusOK, pendingResponse{Seat: s, Requests: chatreq.ToProtocol(reqs)})
}

// RequestHistory returns logged request events involving :seat, newest
// first. Only available when the request log is kept in PostgreSQL.
func (h *Handler) RequestHistory(c echo.Context) error {
	if h.History == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "request history not enabled"})
	}
	s, ok := seatParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat"})
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}

	events, err := h.History.History(c.Request().Context(), s, limit)
	if err != nil {
		log.Printf("[api] history %s: %v", s, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if events == nil {
		events = []requestlog.Event{}
	}
	return c.JSON(http.StatusOK, echo.Map{"seat": s, "events": events})
}

// SeatPresence reports whether :seat is connected.
func (h *Handler) SeatPresence(c echo.Context) error {
	s, ok := seatParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seat"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"seat":   s,
		"online": h.Presence.Online(c.Request().Context(), s),
	})
}

// ResolveRoom returns the room shared by seat1 and seat2.
func (h *Handler) ResolveRoom(c echo.Context) error {
	a := seat.Normalize(c.QueryParam("seat1"))
	b := seat.Normalize(c.QueryParam("seat2"))
	if !seat.Valid(a) || !seat.Valid(b) || a == b {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat1 and seat2 must be two different valid seats"})
	}
	return c.JSON(http.StatusOK, echo.Map{"room": seat.ResolveRoom(a, b)})
}
