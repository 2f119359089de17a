package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransport        = errors.New("signaling transport error")
	ErrMalformedMessage = fmt.Errorf("%w: malformed message", ErrTransport)
	ErrNotConnected     = fmt.Errorf("%w: not connected", ErrTransport)
	ErrMediaAcquisition = errors.New("local media acquisition failed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrRemoteRejection  = errors.New("call rejected by remote peer")
	ErrPeerDeparture    = errors.New("remote peer left the call")

	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrRoomClosed        = errors.New("room is closed")
)

// ErrorKind is the coarse classification stored on a session as lastError.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindTransport        ErrorKind = "transport"
	ErrorKindMediaAcquisition ErrorKind = "media_acquisition"
	ErrorKindNegotiation      ErrorKind = "negotiation"
	ErrorKindRemoteRejection  ErrorKind = "remote_rejection"
	ErrorKindPeerDeparture    ErrorKind = "peer_departure"
)

func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrTransport):
		return ErrorKindTransport
	case errors.Is(err, ErrMediaAcquisition):
		return ErrorKindMediaAcquisition
	case errors.Is(err, ErrRemoteRejection):
		return ErrorKindRemoteRejection
	case errors.Is(err, ErrPeerDeparture):
		return ErrorKindPeerDeparture
	default:
		return ErrorKindNegotiation
	}
}

// IsFault reports whether the kind is a local failure rather than a normal
// way for the other side to end a call.
func (k ErrorKind) IsFault() bool {
	switch k {
	case ErrorKindNone, ErrorKindRemoteRejection, ErrorKindPeerDeparture:
		return false
	}
	return true
}
