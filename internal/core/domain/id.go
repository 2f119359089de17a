package domain

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// UserID is the numeric account id handed out by the host messenger.
type UserID int64

func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse user id %q: must be positive", s)
	}
	return UserID(n), nil
}

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// SessionID identifies a call room. Both peers tag every signaling
// message of one call with it.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse session id %q: %w", s, err)
	}
	return SessionID(id.String()), nil
}

func (s SessionID) String() string {
	return string(s)
}
