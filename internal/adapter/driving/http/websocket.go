package http

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var (
	errClientClosed = errors.New("client connection closed")
	errSlowClient   = errors.New("client send buffer full")
)

// WSClient is one relay connection. It implements port.Client; writes go
// through a buffered channel drained by writePump.
type WSClient struct {
	id        domain.UserID
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(id domain.UserID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *WSClient) UserID() domain.UserID {
	return c.id
}

func (c *WSClient) Send(msg domain.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSlowClient
	}
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Stringer("user_id", c.id).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWS upgrades a signaling connection identified by ?user_id=.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := domain.ParseUserID(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(userID, conn)
	l := log.With().Stringer("user_id", userID).Logger()
	l.Info().Msg("New client connected")

	go client.writePump()
	h.Relay.Join(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Relay.Leave(client)
		client.Close()
	}()

	limiter := rate.NewLimiter(h.opts.MessageRate, h.opts.MessageBurst)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		if !limiter.Allow() {
			l.Warn().Msg("Rate limit exceeded, dropping message")
			_ = client.Send(domain.NewErrorMessage("rate limit exceeded"))
			continue
		}

		msg, err := domain.DecodeMessage(raw)
		if err != nil {
			l.Warn().Err(err).Msg("Malformed message")
			_ = client.Send(domain.NewErrorMessage(err.Error()))
			continue
		}
		h.Relay.Dispatch(client, msg)
	}
}
