package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "message.upserted", "conn.status_changed",
// "typing.update", "room.changed". Subscribers filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
