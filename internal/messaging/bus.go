package messaging

// Subject prefixes shared by every seat chat instance.
const (
	SubjectSeat          = "seat" // + .<seat>: every event addressed to one passenger
	SubjectPresenceClaim = "presence.claim"
)

// SeatSubject returns the inbox subject for a seat.
func SeatSubject(seat string) string {
	return SubjectSeat + "." + seat
}

// Bus is the publish/subscribe transport between instances. Subscriptions are
// registered under a caller-chosen key so the same subject can be subscribed
// several times (one per connection) and removed individually.
//
// Implementations deliver messages of one subscription in publish order.
type Bus interface {
	Publish(subject string, data []byte) error
	// Subscribe registers handler for subject under key. If key is already
	// subscribed the call is a no-op and returns false.
	Subscribe(key, subject string, handler func(data []byte)) (bool, error)
	Unsubscribe(key string) error
	Close()
}
