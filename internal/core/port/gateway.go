package port

import (
	"context"

	"github.com/Wyydra/duet/internal/core/domain"
)

// SignalingChannel is the peer's duplex link to the relay.
type SignalingChannel interface {
	// Send fails with domain.ErrNotConnected while the link is down.
	Send(ctx context.Context, msg domain.Message) error
	// Subscribe delivers every inbound message in arrival order. The channel
	// is closed when the link fails for good or the channel is closed.
	Subscribe() (<-chan domain.Message, func())
	// Err is non-nil once reconnect attempts are exhausted.
	Err() error
}
