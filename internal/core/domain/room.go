package domain

import "time"

// Room is the relay-side bookkeeping of a call room.
type Room struct {
	ID           SessionID `json:"room_id"`
	CreatorID    UserID    `json:"creator_id"`
	IsActive     bool      `json:"is_active"`
	Participants []UserID  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewRoom(creator UserID, now time.Time) *Room {
	return &Room{
		ID:           NewSessionID(),
		CreatorID:    creator,
		IsActive:     true,
		Participants: []UserID{creator},
		CreatedAt:    now,
	}
}

func (r *Room) Join(user UserID) {
	for _, p := range r.Participants {
		if p == user {
			return
		}
	}
	r.Participants = append(r.Participants, user)
}

// Leave removes the user; the room closes once nobody is left.
func (r *Room) Leave(user UserID) {
	kept := r.Participants[:0]
	for _, p := range r.Participants {
		if p != user {
			kept = append(kept, p)
		}
	}
	r.Participants = kept
	if len(kept) == 0 {
		r.IsActive = false
	}
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
