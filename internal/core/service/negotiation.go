package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/rs/zerolog"
)

type RenegotiationOutcome int

const (
	// The track went onto an idle sender, nothing to exchange.
	AppliedInPlace RenegotiationOutcome = iota
	// A new offer was produced and must be sent to the remote peer.
	OfferRequired
	// An exchange is already in flight; a new offer follows its answer.
	OfferDeferred
)

type RenegotiationResult struct {
	Outcome RenegotiationOutcome
	Offer   domain.Description
}

// NegotiationCoordinator drives one peer transport through offer/answer and
// candidate exchange. It owns no goroutines and is only called from the
// controller loop.
type NegotiationCoordinator struct {
	transport  port.PeerTransport
	state      *domain.NegotiationState
	localMedia bool
	log        zerolog.Logger
}

func NewNegotiationCoordinator(t port.PeerTransport, state *domain.NegotiationState, logger zerolog.Logger) *NegotiationCoordinator {
	return &NegotiationCoordinator{
		transport: t,
		state:     state,
		log:       logger,
	}
}

// AttachLocalMedia adds the captured tracks to the transport.
func (n *NegotiationCoordinator) AttachLocalMedia(tracks []port.LocalTrack) error {
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no local tracks", domain.ErrMediaAcquisition)
	}
	for _, t := range tracks {
		if err := n.transport.AddTrack(t); err != nil {
			return fmt.Errorf("%w: add %s track: %v", domain.ErrNegotiation, t.Kind(), err)
		}
		n.state.MarkTrackSent(t.Kind())
	}
	n.localMedia = true
	return nil
}

func (n *NegotiationCoordinator) CreateOffer(ctx context.Context) (domain.Description, error) {
	if !n.localMedia {
		return domain.Description{}, fmt.Errorf("%w: offer without local media", domain.ErrMediaAcquisition)
	}
	offer, err := n.transport.CreateOffer(ctx)
	if err != nil {
		return domain.Description{}, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	n.state.LocalOfferPending = true
	return offer, nil
}

// ApplyRemoteOffer installs the first remote offer of a call. Applying the
// same offer again is a no-op and reports false.
func (n *NegotiationCoordinator) ApplyRemoteOffer(ctx context.Context, offer domain.Description) (bool, error) {
	if n.state.RemoteDescriptionApplied {
		if offer.SDP == n.state.LastRemoteOffer {
			return false, nil
		}
		return false, fmt.Errorf("%w: remote description already applied", domain.ErrNegotiation)
	}
	if err := n.transport.SetRemoteDescription(ctx, offer); err != nil {
		return false, fmt.Errorf("%w: apply remote offer: %v", domain.ErrNegotiation, err)
	}
	n.state.RemoteDescriptionApplied = true
	n.state.LastRemoteOffer = offer.SDP
	n.state.PendingRemoteOffer = nil
	return true, nil
}

func (n *NegotiationCoordinator) CreateAnswer(ctx context.Context) (domain.Description, error) {
	if !n.state.RemoteDescriptionApplied || n.state.LastRemoteOffer == "" {
		return domain.Description{}, fmt.Errorf("%w: answer without remote offer", domain.ErrNegotiation)
	}
	answer, err := n.transport.CreateAnswer(ctx)
	if err != nil {
		return domain.Description{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	return answer, nil
}

// ApplyRemoteAnswer settles our outstanding offer. A repeated answer is a
// no-op and reports false.
func (n *NegotiationCoordinator) ApplyRemoteAnswer(ctx context.Context, answer domain.Description) (bool, error) {
	if !n.state.LocalOfferPending {
		if answer.SDP == n.state.LastRemoteAnswer {
			return false, nil
		}
		return false, fmt.Errorf("%w: answer without outstanding offer", domain.ErrNegotiation)
	}
	if err := n.transport.SetRemoteDescription(ctx, answer); err != nil {
		return false, fmt.Errorf("%w: apply remote answer: %v", domain.ErrNegotiation, err)
	}
	n.state.LocalOfferPending = false
	n.state.RemoteDescriptionApplied = true
	n.state.LastRemoteAnswer = answer.SDP
	return true, nil
}

func (n *NegotiationCoordinator) EnqueueOrApplyCandidate(c domain.Candidate) error {
	if !n.state.RemoteDescriptionApplied {
		n.state.QueueCandidate(c)
		return nil
	}
	if err := n.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", domain.ErrNegotiation, err)
	}
	return nil
}

// FlushPendingCandidates replays the queue once, in arrival order. A
// candidate the transport refuses is logged and skipped.
func (n *NegotiationCoordinator) FlushPendingCandidates() int {
	if !n.state.RemoteDescriptionApplied {
		return 0
	}
	applied := 0
	for _, c := range n.state.DrainCandidates() {
		if err := n.transport.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Skipping queued candidate")
			continue
		}
		applied++
	}
	return applied
}

// Renegotiate brings a new local track into an established call.
func (n *NegotiationCoordinator) Renegotiate(ctx context.Context, track port.LocalTrack) (RenegotiationResult, error) {
	placed, err := n.transport.ReplaceTrack(track)
	if err != nil {
		return RenegotiationResult{}, fmt.Errorf("%w: replace %s track: %v", domain.ErrNegotiation, track.Kind(), err)
	}
	if placed {
		n.state.MarkTrackSent(track.Kind())
		return RenegotiationResult{Outcome: AppliedInPlace}, nil
	}

	if err := n.transport.AddTrack(track); err != nil {
		return RenegotiationResult{}, fmt.Errorf("%w: add %s track: %v", domain.ErrNegotiation, track.Kind(), err)
	}
	n.state.MarkTrackSent(track.Kind())
	n.localMedia = true

	if n.state.LocalOfferPending {
		n.state.RenegotiateAfterAnswer = true
		return RenegotiationResult{Outcome: OfferDeferred}, nil
	}
	offer, err := n.CreateOffer(ctx)
	if err != nil {
		return RenegotiationResult{}, err
	}
	return RenegotiationResult{Outcome: OfferRequired, Offer: offer}, nil
}

// AnswerRenegotiation handles an offer the remote sends inside an
// established call. A repeated offer reports dup and produces nothing.
func (n *NegotiationCoordinator) AnswerRenegotiation(ctx context.Context, offer domain.Description) (answer domain.Description, dup bool, err error) {
	if offer.SDP == n.state.LastRemoteOffer {
		return domain.Description{}, true, nil
	}
	if n.state.LocalOfferPending {
		return domain.Description{}, false, fmt.Errorf("%w: remote offer collides with ours", domain.ErrNegotiation)
	}
	if err := n.transport.SetRemoteDescription(ctx, offer); err != nil {
		return domain.Description{}, false, fmt.Errorf("%w: apply remote offer: %v", domain.ErrNegotiation, err)
	}
	n.state.RemoteDescriptionApplied = true
	n.state.LastRemoteOffer = offer.SDP
	answer, err = n.CreateAnswer(ctx)
	return answer, false, err
}

// Rollback withdraws our outstanding offer and remembers to offer again.
func (n *NegotiationCoordinator) Rollback() error {
	if !n.state.LocalOfferPending {
		return nil
	}
	if err := n.transport.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", domain.ErrNegotiation, err)
	}
	n.state.LocalOfferPending = false
	n.state.RenegotiateAfterAnswer = true
	return nil
}

// TakeDeferredOffer reports whether a postponed offer is due and clears it.
func (n *NegotiationCoordinator) TakeDeferredOffer() bool {
	if !n.state.RenegotiateAfterAnswer || n.state.LocalOfferPending {
		return false
	}
	n.state.RenegotiateAfterAnswer = false
	return true
}
