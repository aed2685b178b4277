package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shainy/internal/auth"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the server.
	maxMessageSize = 1 << 20          // Maximum frame size accepted from the server.
)

var ErrNotAuthenticated = errors.New("live channel is not authenticated")

// State of the live channel.
type State interface{ state() }

type Disconnected struct{ Err error }

type Connecting struct{}

// Connected means the socket is open but auth_success has not arrived yet.
type Connected struct{}

type Authenticated struct{ UserID string }

func (Disconnected) state()  {}
func (Connecting) state()    {}
func (Connected) state()     {}
func (Authenticated) state() {}

// Handler receives every decoded event on the receive goroutine.
type Handler func(Event)

// Conn is the client side of the live-event channel. It does not reconnect on
// its own; call Connect again.
type Conn struct {
	url     string
	creds   auth.CredentialProvider
	dialer  *websocket.Dialer
	handler Handler
	onState func(State)
	log     zerolog.Logger

	mu    sync.Mutex
	ws    *websocket.Conn
	state State

	writeMu sync.Mutex
}

type Option func(*Conn)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithStateListener is called on every state transition, outside of locks.
func WithStateListener(fn func(State)) Option {
	return func(c *Conn) { c.onState = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Conn) { c.log = log.With().Str("component", "live").Logger() }
}

func NewConn(url string, creds auth.CredentialProvider, handler Handler, opts ...Option) *Conn {
	c := &Conn{
		url:     url,
		creds:   creds,
		dialer:  websocket.DefaultDialer,
		handler: handler,
		onState: func(State) {},
		log:     zerolog.Nop(),
		state:   Disconnected{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.onState(s)
}

// Connect dials the server, sends the auth request and starts the receive loop.
// An existing connection is closed first.
func (c *Conn) Connect(ctx context.Context) error {
	c.Close()

	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}

	c.setState(Connecting{})
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(Disconnected{Err: err})
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setState(Connected{})
	c.log.Info().Str("url", c.url).Msg("websocket connected")

	if err := c.write(ws, authRequest{Type: typeAuth, Token: token}); err != nil {
		c.drop(ws, err)
		return fmt.Errorf("send auth: %w", err)
	}

	go c.receive(ws)
	return nil
}

// receive reads one frame at a time, dispatches its events and re-arms.
func (c *Conn) receive(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.drop(ws, err) {
				c.log.Warn().Err(err).Msg("websocket receive failed")
				c.handler(ConnectionLost{Err: err})
			}
			return
		}

		events, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable live event")
		}
		for _, ev := range events {
			switch ev := ev.(type) {
			case AuthSuccess:
				c.setState(Authenticated{UserID: ev.UserID})
				c.log.Info().Str("user_id", ev.UserID).Msg("websocket authenticated")
			case AuthError:
				c.log.Warn().Str("error", ev.Message).Msg("websocket auth rejected")
			}
			c.handler(ev)
		}
	}
}

// drop tears down ws if it is still the current socket. It reports whether it did.
func (c *Conn) drop(ws *websocket.Conn, cause error) bool {
	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
	if current {
		c.setState(Disconnected{Err: cause})
	}
	return current
}

// Send submits an encrypted message. It fails fast unless authenticated.
func (c *Conn) Send(msg OutgoingMessage) error {
	return c.writeAuthenticated(sendRequest{Type: typeSendMessage, OutgoingMessage: msg})
}

// RefreshChats asks the server to push a chats_updated event.
func (c *Conn) RefreshChats() error {
	return c.writeAuthenticated(refreshRequest{Type: typeRefreshChats})
}

func (c *Conn) writeAuthenticated(v any) error {
	c.mu.Lock()
	ws := c.ws
	_, ok := c.state.(Authenticated)
	c.mu.Unlock()
	if !ok || ws == nil {
		return ErrNotAuthenticated
	}
	return c.write(ws, v)
}

func (c *Conn) write(ws *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Close ends the connection without emitting ConnectionLost.
func (c *Conn) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return
	}
	c.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	ws.Close()
	c.setState(Disconnected{})
	c.log.Info().Msg("websocket disconnected")
}
