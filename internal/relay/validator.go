package relay

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/skyconnect/seat-chat/internal/seat"
)

// Limits on the text of one chat message. The whole frame is capped
// separately by the ws server.
const (
	MaxMessageBytes = 4096 // encoded text length
	MaxTextChars    = 2000 // runes
)

var (
	ErrInvalidSeat      = errors.New("relay: invalid seat")
	ErrInvalidMessage   = errors.New("relay: invalid message")
	ErrRoomMismatch     = errors.New("relay: room does not match seat pair")
	ErrBlocked          = errors.New("relay: message blocked")
	ErrRecipientOffline = errors.New("relay: recipient offline")
)

// ValidateMessage checks that chat text is non-blank, within the size limits
// and valid UTF-8. Errors wrap ErrInvalidMessage.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// resolveRoute checks the seat pair and returns the room the event belongs
// to. An empty room is resolved here; a non-empty one must match.
func resolveRoute(from, to, room string) (string, error) {
	if !seat.Valid(from) || !seat.Valid(to) || from == to {
		return "", ErrInvalidSeat
	}
	want := seat.ResolveRoom(from, to)
	if room != "" && room != want {
		return "", ErrRoomMismatch
	}
	return want, nil
}
