package service

import (
	"fmt"
	"slices"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/port"
	"github.com/rs/zerolog/log"
)

type inboundMessage struct {
	from port.Client
	msg  domain.Message
}

// RelayService routes signaling between connected users and tracks who is
// in which call room. All state lives on the Run goroutine.
type RelayService struct {
	clients map[domain.UserID]port.Client
	// room -> users that joined it
	members map[domain.SessionID]map[domain.UserID]bool
	// room -> users that were offered a call in it but have not joined yet
	invited map[domain.SessionID]map[domain.UserID]bool

	inbound    chan inboundMessage
	register   chan port.Client
	unregister chan port.Client
	stats      chan chan RelayStats
	online     chan chan []domain.UserID
	quit       chan struct{}
}

type RelayStats struct {
	OnlineUsers int `json:"online_users"`
	ActiveRooms int `json:"active_rooms"`
}

func NewRelayService() *RelayService {
	return &RelayService{
		clients:    make(map[domain.UserID]port.Client),
		members:    make(map[domain.SessionID]map[domain.UserID]bool),
		invited:    make(map[domain.SessionID]map[domain.UserID]bool),
		inbound:    make(chan inboundMessage),
		register:   make(chan port.Client),
		unregister: make(chan port.Client),
		stats:      make(chan chan RelayStats),
		online:     make(chan chan []domain.UserID),
		quit:       make(chan struct{}),
	}
}

func (s *RelayService) Join(c port.Client) {
	select {
	case s.register <- c:
	case <-s.quit:
	}
}

func (s *RelayService) Leave(c port.Client) {
	select {
	case s.unregister <- c:
	case <-s.quit:
	}
}

func (s *RelayService) Dispatch(from port.Client, msg domain.Message) {
	select {
	case s.inbound <- inboundMessage{from: from, msg: msg}:
	case <-s.quit:
	}
}

func (s *RelayService) Stats() RelayStats {
	reply := make(chan RelayStats, 1)
	select {
	case s.stats <- reply:
		return <-reply
	case <-s.quit:
		return RelayStats{}
	}
}

// OnlineUsers lists connected users in ascending id order.
func (s *RelayService) OnlineUsers() []domain.UserID {
	reply := make(chan []domain.UserID, 1)
	select {
	case s.online <- reply:
		return <-reply
	case <-s.quit:
		return nil
	}
}

func (s *RelayService) Stop() {
	close(s.quit)
}

func (s *RelayService) Run() {
	for {
		select {
		case <-s.quit:
			log.Info().Msg("Stopping relay. Disconnecting all clients.")
			for id, client := range s.clients {
				if err := client.Close(); err != nil {
					log.Error().Err(err).Stringer("user_id", id).Msg("Error closing client connection")
				}
				delete(s.clients, id)
			}
			return

		case client := <-s.register:
			id := client.UserID()
			if old, ok := s.clients[id]; ok && old != client {
				log.Info().Stringer("user_id", id).Msg("Replacing older connection")
				_ = old.Close()
			}
			s.clients[id] = client
			s.deliver(id, domain.NewConnectedMessage(id))
			log.Info().Int("count", len(s.clients)).Stringer("user_id", id).Msg("Client connected")

		case client := <-s.unregister:
			id := client.UserID()
			if current, ok := s.clients[id]; ok && current == client {
				delete(s.clients, id)
				s.dropUser(id)
				log.Info().Int("count", len(s.clients)).Stringer("user_id", id).Msg("Client disconnected")
			}

		case in := <-s.inbound:
			s.route(in.from, in.msg)

		case reply := <-s.stats:
			reply <- RelayStats{OnlineUsers: len(s.clients), ActiveRooms: len(s.members)}

		case reply := <-s.online:
			users := make([]domain.UserID, 0, len(s.clients))
			for id := range s.clients {
				users = append(users, id)
			}
			slices.Sort(users)
			reply <- users
		}
	}
}

func (s *RelayService) route(from port.Client, msg domain.Message) {
	sender := from.UserID()
	l := log.With().Stringer("user_id", sender).Str("type", string(msg.Type)).Logger()

	switch msg.Type {
	case domain.MessageJoinRoom:
		existing := s.roomUsers(msg.SessionID, sender)
		addTo(s.members, msg.SessionID, sender)
		removeFrom(s.invited, msg.SessionID, sender)
		s.broadcast(msg.SessionID, domain.NewUserJoinedMessage(msg.SessionID, sender), sender)
		s.deliver(sender, domain.NewRoomUsersMessage(msg.SessionID, existing))
		l.Info().Stringer("room_id", msg.SessionID).Msg("User joined room")

	case domain.MessageLeaveRoom:
		s.leaveRoom(msg.SessionID, sender)
		l.Info().Stringer("room_id", msg.SessionID).Msg("User left room")

	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate, domain.MessageCallRejected:
		if msg.ToUserID == 0 {
			s.deliver(sender, domain.NewErrorMessage(fmt.Sprintf("%s without target_user_id", msg.Type)))
			return
		}
		msg.FromUserID = sender
		if msg.Type == domain.MessageOffer && msg.SessionID != "" && !s.members[msg.SessionID][msg.ToUserID] {
			addTo(s.invited, msg.SessionID, msg.ToUserID)
		}
		if msg.Type == domain.MessageCallRejected {
			removeFrom(s.invited, msg.SessionID, sender)
		}
		if _, ok := s.clients[msg.ToUserID]; !ok {
			s.deliver(sender, domain.NewErrorMessage(fmt.Sprintf("user %s is not connected", msg.ToUserID)))
			return
		}
		s.deliver(msg.ToUserID, msg)
		l.Debug().Stringer("target_user_id", msg.ToUserID).Msg("Forwarded")

	default:
		l.Warn().Msg("Unsupported message type")
		s.deliver(sender, domain.NewErrorMessage(fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

// leaveRoom removes the user and tells everybody still attached to the room.
func (s *RelayService) leaveRoom(room domain.SessionID, user domain.UserID) {
	removeFrom(s.members, room, user)
	removeFrom(s.invited, room, user)
	left := domain.NewUserLeftMessage(room, user)
	s.broadcast(room, left, user)
	for id := range s.invited[room] {
		s.deliver(id, left)
	}
	if len(s.members[room]) == 0 {
		delete(s.members, room)
		delete(s.invited, room)
	}
}

func (s *RelayService) dropUser(user domain.UserID) {
	for room, users := range s.members {
		if users[user] {
			s.leaveRoom(room, user)
		}
	}
	for room := range s.invited {
		removeFrom(s.invited, room, user)
	}
}

func (s *RelayService) roomUsers(room domain.SessionID, except domain.UserID) []domain.UserID {
	var out []domain.UserID
	for id := range s.members[room] {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (s *RelayService) broadcast(room domain.SessionID, msg domain.Message, except domain.UserID) {
	for id := range s.members[room] {
		if id != except {
			s.deliver(id, msg)
		}
	}
}

func (s *RelayService) deliver(to domain.UserID, msg domain.Message) {
	client, ok := s.clients[to]
	if !ok {
		return
	}
	if err := client.Send(msg); err != nil {
		// Closing ends the connection's read loop, which unregisters it.
		log.Error().Err(err).Stringer("user_id", to).Msg("Error delivering message")
		_ = client.Close()
	}
}

func addTo(set map[domain.SessionID]map[domain.UserID]bool, room domain.SessionID, user domain.UserID) {
	if set[room] == nil {
		set[room] = make(map[domain.UserID]bool)
	}
	set[room][user] = true
}

func removeFrom(set map[domain.SessionID]map[domain.UserID]bool, room domain.SessionID, user domain.UserID) {
	if users, ok := set[room]; ok {
		delete(users, user)
		if len(users) == 0 {
			delete(set, room)
		}
	}
}
