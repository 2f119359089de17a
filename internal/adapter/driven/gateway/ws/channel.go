package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

type Options struct {
	URL    string
	UserID domain.UserID
	// Consecutive failed connection attempts tolerated before giving up.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Dialer      *websocket.Dialer
}

type subscriber struct {
	ch   chan domain.Message
	done chan struct{}
}

// Channel implements port.SignalingChannel over a gorilla websocket to the
// relay. Run owns the connection and reconnects with exponential backoff.
type Channel struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[*subscriber]struct{}
	err      error
	finished bool

	writeMu sync.Mutex
}

func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	return &Channel{
		opts: opts,
		log:  log.With().Str("component", "signaling").Stringer("user_id", opts.UserID).Logger(),
		subs: make(map[*subscriber]struct{}),
	}
}

// Run keeps the link up until ctx ends or reconnects are exhausted. It
// returns the error that ended it and closes every subscription.
func (c *Channel) Run(ctx context.Context) error {
	err := c.loop(ctx)
	c.finish(err)
	return err
}

func (c *Channel) loop(ctx context.Context) error {
	target, err := c.endpoint()
	if err != nil {
		return err
	}

	failures := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > c.opts.MaxAttempts {
				return fmt.Errorf("%w: giving up after %d attempts: %v", domain.ErrTransport, failures, err)
			}
			delay := c.backoff(failures)
			c.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("Relay connection failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.log.Info().Str("url", target).Msg("Connected to relay")
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Msg("Relay connection lost, reconnecting")
	}
}

// backoff doubles the base delay per consecutive failure, up to MaxDelay.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay
	for i := 1; i < attempt && d < c.opts.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.opts.MaxDelay)
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("%w: relay url: %v", domain.ErrTransport, err)
	}
	q := u.Query()
	q.Set("user_id", c.opts.UserID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve pumps one connection until it breaks or ctx ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	go c.keepalive(ctx, conn, stop)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		msg, err := domain.DecodeMessage(raw)
		if err != nil {
			c.log.Warn().Err(err).Int("size", len(raw)).Msg("Dropping malformed relay message")
			continue
		}
		if !c.publish(ctx, msg) {
			return
		}
	}
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

// publish hands msg to every subscriber in turn, waiting for each one.
func (c *Channel) publish(ctx context.Context, msg domain.Message) bool {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: channel closed", domain.ErrTransport)
	} else {
		c.log.Error().Err(err).Msg("Signaling channel failed")
	}
	c.err = err
	c.finished = true
	for s := range c.subs {
		close(s.ch)
		delete(c.subs, s)
	}
}

func (c *Channel) Subscribe() (<-chan domain.Message, func()) {
	s := &subscriber{
		ch:   make(chan domain.Message, 16),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		close(s.ch)
		return s.ch, func() {}
	}
	c.subs[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			close(s.done)
			c.mu.Lock()
			delete(c.subs, s)
			c.mu.Unlock()
		})
	}
}

func (c *Channel) Send(ctx context.Context, msg domain.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: dropping %s", domain.ErrNotConnected, msg.Type)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrTransport, msg.Type, err)
	}
	return nil
}

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
