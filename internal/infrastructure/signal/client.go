package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	"meshlink/pkg/cache"
	"meshlink/pkg/circuitbreaker"
	mlerrors "meshlink/pkg/errors"
	"meshlink/pkg/retry"
)

// Config holds the signaling client settings.
type Config struct {
	URL        string
	PeerID     string
	AuthSecret string
	TokenTTL   time.Duration

	PingInterval time.Duration
	PongTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Outbound message rate limit. Signaling bursts during renegotiation
	// are fine; a runaway loop flooding the relay is not.
	SendPerSecond float64
	SendBurst     int
}

func (c *Config) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendPerSecond <= 0 {
		c.SendPerSecond = 25
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 50
	}
}

// wireMessage is the envelope every signaling frame travels in.
type wireMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the websocket implementation of the session's signaling
// channel. It authenticates with a signed session token at handshake
// time, keeps the connection alive with pings, and transparently
// redials when the transport drops, announcing the recovery to the
// reconnect handler so dependent services can refresh their state.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	tokens  *cache.Cache
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ports.ChannelState
	authed   bool
	handlers map[string]ports.Handler
	connDone chan struct{}
	closed   bool

	writeMu sync.Mutex
}

// NewClient builds a signaling client. Connect must be called before
// the channel is usable.
func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendPerSecond), cfg.SendBurst),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		tokens:   cache.New(cfg.TokenTTL / 2),
		logger:   logger,
		state:    ports.ChannelDisconnected,
		handlers: make(map[string]ports.Handler),
	}
}

// Connect dials the signaling endpoint, retrying transient failures
// with backoff. Authentication rejections are surfaced immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(ports.ChannelConnecting, false)

	cfg := retry.DefaultConfig()
	err := retry.Retry(ctx, cfg, func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.dial()
		})
	})
	if err != nil {
		c.setState(ports.ChannelDisconnected, false)
		return fmt.Errorf("signaling connect failed: %w", err)
	}
	return nil
}

// sessionToken returns a cached handshake token, minting a fresh one
// when none is live. Tokens are kept for half their TTL so a reconnect
// never presents one close to expiry.
func (c *Client) sessionToken() (string, error) {
	const key = "session-token"

	if cached, ok := c.tokens.Get(key); ok {
		return cached.(string), nil
	}
	token, err := NewToken(c.cfg.AuthSecret, c.cfg.PeerID, c.cfg.TokenTTL)
	if err != nil {
		return "", err
	}
	c.tokens.SetWithTTL(key, token, c.cfg.TokenTTL/2)
	return token, nil
}

func (c *Client) dial() error {
	header := http.Header{}
	if c.cfg.AuthSecret != "" {
		token, err := c.sessionToken()
		if err != nil {
			return mlerrors.Wrap(err, mlerrors.ErrCodeAuthRequired, "session token mint failed")
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.Dial(c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.tokens.Delete("session-token")
			return mlerrors.NewAuthRequiredError("signaling handshake rejected")
		}
		return mlerrors.Wrap(err, mlerrors.ErrCodeNetwork, "signaling dial failed")
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrSessionClosed
	}
	c.conn = conn
	c.connDone = done
	c.state = ports.ChannelConnected
	c.authed = true
	c.mu.Unlock()

	c.logger.Infow("signaling channel connected", "url", c.cfg.URL)

	go c.readPump(conn, done)
	go c.pingLoop(conn, done)
	return nil
}

// State returns the channel readiness.
func (c *Client) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the current connection passed the
// handshake with a valid session token.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Send writes one event to the channel, honoring the outbound rate
// limit. It fails fast when the channel is not connected.
func (c *Client) Send(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	res := c.limiter.Reserve()
	if !res.OK() {
		return mlerrors.New(mlerrors.ErrCodeRateLimited, "signaling send rate exceeded")
	}
	if delay := res.Delay(); delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == ports.ChannelConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return domain.ErrChannelNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(wireMessage{Event: event, Payload: raw})
}

// On registers the handler for an event, replacing any previous one.
func (c *Client) On(event string, handler ports.Handler) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// Off removes the handler for an event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Close shuts the channel down for good; no reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = ports.ChannelDisconnected
	c.authed = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.tokens.Stop()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("signaling read failed", "error", err)
			}
			go c.reconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(msg.Event, msg.Payload)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch invokes the registered handler for one inbound event.
// Handlers run on the read pump goroutine, which keeps delivery
// sequential per connection.
func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	handler := c.handlers[event]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Debugw("unhandled signaling event", "event", event)
		return
	}
	handler(payload)
}

// reconnect redials after an unexpected drop and announces the fresh
// connection as a reconnect event so credential and link state can be
// refreshed.
func (c *Client) reconnect() {
	c.setState(ports.ChannelConnecting, false)
	c.logger.Infow("signaling channel lost, reconnecting")

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.MaxDelay = 30 * time.Second

	err := retry.Retry(context.Background(), cfg, func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		return c.breaker.Execute(context.Background(), c.dial)
	})
	if err != nil {
		c.setState(ports.ChannelDisconnected, false)
		c.logger.Errorw("signaling reconnect failed", "error", err)
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.dispatch(domain.EventReconnect, json.RawMessage(`{}`))
}

func (c *Client) setState(state ports.ChannelState, authed bool) {
	c.mu.Lock()
	c.state = state
	c.authed = authed
	c.mu.Unlock()
}

var _ ports.SignalingChannel = (*Client)(nil)
