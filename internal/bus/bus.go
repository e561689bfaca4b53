// Package bus provides the cross-context broadcast transport used by the
// note sync protocol. A Transport is a single logical channel: every payload
// published on it is delivered to every subscriber, including subscribers
// registered by the publisher itself. Echo filtering is the receiver's job.
package bus

import "context"

// Handler receives a raw published payload.
type Handler func(payload []byte)

// Transport is one logical broadcast channel.
type Transport interface {
	// Publish sends payload to every subscriber, best-effort.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers h and returns an unsubscribe function. The
	// unsubscribe function is idempotent.
	Subscribe(h Handler) (func(), error)
}

// Connector hands out the Transport for a named logical channel. Channels are
// scoped per user session so messages never cross users.
type Connector interface {
	Channel(name string) Transport
}
