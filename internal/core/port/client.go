package port

import "github.com/Wyydra/duet/internal/core/domain"

// Client is one websocket connection registered on the relay.
type Client interface {
	UserID() domain.UserID
	Send(msg domain.Message) error
	Close() error
}
