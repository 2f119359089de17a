package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Options struct {
	ICEServers     []domain.ICEServer
	AllowedOrigins []string
	// Inbound signaling messages allowed per connection.
	MessageRate  rate.Limit
	MessageBurst int
}

type Handler struct {
	Relay *service.RelayService
	Rooms *service.RoomDirectory
	opts  Options
}

func NewHandler(relay *service.RelayService, rooms *service.RoomDirectory, opts Options) *Handler {
	if opts.MessageRate <= 0 {
		opts.MessageRate = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Handler{Relay: relay, Rooms: rooms, opts: opts}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ws", h.ServeWS)
	r.Get("/ws/stats", h.Stats)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", h.Config)
		r.Get("/users/online", h.OnlineUsers)
		r.Get("/rooms", h.ListRooms)
		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms/{roomID}", h.GetRoom)
		r.Post("/rooms/{roomID}/join", h.JoinRoom)
		r.Post("/rooms/{roomID}/leave", h.LeaveRoom)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	servers := h.opts.ICEServers
	if servers == nil {
		servers = []domain.ICEServer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ice_servers": servers})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Stats())
}

type onlineUser struct {
	ID       domain.UserID `json:"id"`
	IsOnline bool          `json:"is_online"`
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	ids := h.Relay.OnlineUsers()
	users := make([]onlineUser, 0, len(ids))
	for _, id := range ids {
		users = append(users, onlineUser{ID: id, IsOnline: true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Rooms.ListActive(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "total": len(rooms)})
}

type createRoomRequest struct {
	CreatorID domain.UserID `json:"creator_id"`
}

type membershipRequest struct {
	UserID domain.UserID `json:"user_id"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	room, err := h.Rooms.Create(r.Context(), req.CreatorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	room, err := h.Rooms.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.Rooms.Join)
}

func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.Rooms.Leave)
}

func (h *Handler) membership(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id domain.SessionID, user domain.UserID) (*domain.Room, error)) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	room, err := apply(r.Context(), id, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func roomID(w http.ResponseWriter, r *http.Request) (domain.SessionID, bool) {
	id, err := domain.ParseSessionID(chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	return id, true
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRoomClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Room request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
