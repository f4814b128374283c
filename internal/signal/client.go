// Package signal carries call signaling between the two participants: a
// websocket client for a relay server and an in-memory pipe.
package signal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

// DefaultPingInterval keeps idle relay connections open.
const DefaultPingInterval = 20 * time.Second

// Client manages the websocket connection to the signaling relay.
type Client struct {
	url          string
	identity     string
	handler      domain.Handler
	pingInterval time.Duration
	log          *logrus.Entry

	conn *websocket.Conn

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client registering as identity.
func NewClient(url, identity string, handler domain.Handler) *Client {
	return &Client{
		url:          url,
		identity:     identity,
		handler:      handler,
		pingInterval: DefaultPingInterval,
		log:          logrus.WithFields(logrus.Fields{"component": "signal", "identity": identity}),
		closed:       make(chan struct{}),
	}
}

// SetPingInterval overrides the keepalive interval. Call before Connect.
func (c *Client) SetPingInterval(d time.Duration) {
	c.pingInterval = d
}

// Connect dials the relay, registers the identity and starts the read loop.
func (c *Client) Connect() error {
	c.log.WithField("url", c.url).Info("connecting")

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	if err := c.write(domain.SignalMessage{Type: messageHello, From: c.identity}); err != nil {
		conn.Close()
		return fmt.Errorf("register identity: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Send writes one message, stamping the local identity as sender.
func (c *Client) Send(msg domain.SignalMessage) error {
	select {
	case <-c.closed:
		return fmt.Errorf("signal client closed")
	default:
	}
	if msg.From == "" {
		msg.From = c.identity
	}
	return c.write(msg)
}

func (c *Client) write(msg domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"type": msg.Type, "call_id": msg.CallID}).Debug(">>>")
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close shuts down the websocket connection. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.mu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.mu.Unlock()
			c.conn.Close()
		}
	})
}

// Done is closed when the client shuts down, locally or because the relay went away.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Warn("read failed")
			}
			return
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("unmarshal failed")
			continue
		}
		c.log.WithFields(logrus.Fields{"type": msg.Type, "call_id": msg.CallID, "from": msg.From}).Debug("<<<")

		if err := Dispatch(c.handler, msg); err != nil {
			c.log.WithError(err).Warn("dropping message")
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.WithError(err).Warn("ping failed")
				}
				return
			}
		}
	}
}
