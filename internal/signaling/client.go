package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientPongWait        = 60 * time.Second
	clientPingInterval    = (clientPongWait * 9) / 10
	clientMaxMessageBytes = 64 * 1024
)

// Client is the peer side of a room channel: it dials /ws?room=<id> and
// exposes typed envelopes in both directions.
//
// Garbled inbound frames are dropped silently; the relay never parses them
// either, so a misbehaving peer cannot take the channel down.
type Client struct {
	ws       *websocket.Conn
	room     string
	incoming chan Envelope
	outgoing chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// DialRoom connects to the relay at baseURL (http:// or ws:// scheme) and
// joins room.
func DialRoom(ctx context.Context, baseURL, room string) (*Client, error) {
	if room == "" {
		return nil, fmt.Errorf("room required")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"room": []string{room}}.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		ws:       ws,
		room:     room,
		incoming: make(chan Envelope, 16),
		outgoing: make(chan Envelope, 16),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(clientMaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Room returns the pairing code this client joined with.
func (c *Client) Room() string { return c.room }

// Incoming returns the stream of parsed envelopes. The channel closes when
// the connection dies.
func (c *Client) Incoming() <-chan Envelope { return c.incoming }

// Send queues env for transmission. It fails once the client is closed.
func (c *Client) Send(env Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("signaling client closed")
	case c.outgoing <- env:
		return nil
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		writeClose(c.ws, websocket.CloseNormalClosure, "")
		_ = c.ws.Close()
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.incoming)
		_ = c.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(clientPongWait))
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(clientPongWait))

		env, err := ParseEnvelope(frame)
		if err != nil {
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.outgoing:
			frame, err := env.Encode()
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
