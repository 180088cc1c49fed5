// Package transports defines the I/O boundary between the voice pipeline
// and its clients.
package transports

import "context"

// Transport owns a network lifecycle carrying audio in and status/audio
// out. Implementations are responsible for their own serving loop.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
