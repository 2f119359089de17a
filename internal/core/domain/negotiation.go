package domain

// NegotiationState is owned by the active CallSession and only touched by
// the controller loop.
type NegotiationState struct {
	RemoteDescriptionApplied bool
	// Offer received before local media and the peer transport existed.
	PendingRemoteOffer *Description
	// Renegotiation offer that arrived while our own exchange was still
	// open. It is answered once that settles.
	HeldRemoteOffer *Message
	// One of our offers is waiting for the remote answer.
	LocalOfferPending bool
	// Set when we gave way in a renegotiation glare and owe the remote a
	// new offer once the current exchange settles.
	RenegotiateAfterAnswer bool

	LastRemoteOffer  string
	LastRemoteAnswer string

	localTracksSent   map[TrackKind]bool
	pendingCandidates []Candidate
}

func NewNegotiationState() *NegotiationState {
	return &NegotiationState{
		localTracksSent: make(map[TrackKind]bool),
	}
}

func (n *NegotiationState) QueueCandidate(c Candidate) {
	n.pendingCandidates = append(n.pendingCandidates, c)
}

// DrainCandidates hands back every queued candidate in arrival order and
// empties the queue.
func (n *NegotiationState) DrainCandidates() []Candidate {
	out := n.pendingCandidates
	n.pendingCandidates = nil
	return out
}

func (n *NegotiationState) PendingCandidates() int {
	return len(n.pendingCandidates)
}

func (n *NegotiationState) MarkTrackSent(kind TrackKind) {
	n.localTracksSent[kind] = true
}

func (n *NegotiationState) TrackSent(kind TrackKind) bool {
	return n.localTracksSent[kind]
}
