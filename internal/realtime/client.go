package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/dbrezina/nora/internal/session"
)

// EventSink receives decoded control events. Satisfied by session.Queue.
type EventSink interface {
	Post(session.Event)
}

// Config holds everything needed to reach the remote voice service.
type Config struct {
	URL           string
	DeviceID      string
	AuthSecret    string // HS256 secret shared with the service
	Voice         string
	SampleRate    int
	TurnDetection string // "local" or "server"
	DialTimeout   time.Duration

	Logger *log.Logger
	Events EventSink
	Audio  io.Writer // downlink agent audio, the speaker device
}

// Client is the websocket channel to the voice service. Reads happen on a
// single readLoop goroutine; writes are serialized by a mutex. All remote
// activity surfaces as events on the sink, never as callbacks.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient prepares a client; no network activity until Connect.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, done: make(chan struct{})}
}

// Connect dials the service and starts the read loop. The device
// authenticates with a short-lived HS256 token naming itself as subject.
func (c *Client) Connect(ctx context.Context) error {
	token, err := c.mintToken()
	if err != nil {
		return fmt.Errorf("mint auth token: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) mintToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   c.cfg.DeviceID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.AuthSecret))
}

// Configure sends the session parameters. The service acks with a
// session.configured event.
func (c *Client) Configure(ctx context.Context) error {
	return c.writeJSON(ctx, wireEvent{
		Type:          "session.configure",
		Voice:         c.cfg.Voice,
		SampleRate:    c.cfg.SampleRate,
		TurnDetection: c.cfg.TurnDetection,
	})
}

// CreateUtterance asks the service to synthesize and stream the text.
func (c *Client) CreateUtterance(ctx context.Context, id, text string) error {
	return c.writeJSON(ctx, wireEvent{Type: "utterance.create", UtteranceID: id, Text: text})
}

// CancelUtterance aborts an in-flight utterance. Cancelling an unknown or
// finished utterance is a remote no-op.
func (c *Client) CancelUtterance(ctx context.Context, id string) error {
	return c.writeJSON(ctx, wireEvent{Type: "utterance.cancel", UtteranceID: id})
}

// AppendAudio sends one microphone frame up the channel.
func (c *Client) AppendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closedErr(); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *Client) writeJSON(ctx context.Context, we wireEvent) error {
	raw, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("encode %s: %w", we.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.closedErr(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// closedErr must be called with mu held.
func (c *Client) closedErr() error {
	select {
	case <-c.done:
		return fmt.Errorf("channel closed")
	default:
	}
	if c.conn == nil {
		return fmt.Errorf("channel not connected")
	}
	return nil
}

// Close tears the connection down and waits for the read loop. It posts
// channel.closed so the machine can finish its shutdown sequence.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
		c.cfg.Events.Post(session.Event{Kind: session.EventChannelClosed, Source: session.SourceChannel})
	})
	return err
}

// readLoop turns socket traffic into queue events. Text frames are control
// events, binary frames are agent audio written straight to the speaker.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.cfg.Events.Post(session.Event{
					Kind:   session.EventChannelError,
					Source: session.SourceChannel,
					Err:    fmt.Errorf("read: %w", err),
				})
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := c.cfg.Audio.Write(raw); err != nil {
				c.cfg.Logger.Printf("realtime: speaker write: %v", err)
			}
		case websocket.TextMessage:
			ev, ok, err := decodeEvent(raw)
			if err != nil {
				c.cfg.Logger.Printf("realtime: %v", err)
				continue
			}
			if !ok {
				continue
			}
			c.cfg.Events.Post(ev)
		}
	}
}
