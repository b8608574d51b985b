package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced by producer:
//
//	push.*      events parsed off the websocket channel
//	message.*   canonical store mutations (upserted, send_ack, send_failed)
//	directory.* chat directory refreshes
//	session.*   connection status changes
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
