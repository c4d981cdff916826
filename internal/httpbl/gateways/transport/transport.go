package transport

import "context"

// ServerTransport is a listener that accepts requests and hands them to the
// reputation service. Start returns once the listener is bound.
type ServerTransport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Address() string
}
