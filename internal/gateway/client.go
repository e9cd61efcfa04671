package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

const (
	maxFrameBytes = 512 * 1024 // gorilla closes the socket with ErrReadLimit past this
	sendQueueLen  = 256
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Client is one WebSocket connection. Frames are handled in read order;
// outbound frames queue on send and are written by a single writer.
type Client struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	server     *Server

	authed  atomic.Bool
	userID  atomic.Pointer[string]
	dropped atomic.Int64

	mu     sync.Mutex // guards send against Close
	send   chan []byte
	closed bool
}

func NewClient(conn *websocket.Conn, server *Server, remoteAddr string) *Client {
	return &Client{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		conn:       conn,
		server:     server,
		send:       make(chan []byte, sendQueueLen),
	}
}

// Run serves the connection until the peer goes away or a read fails.
func (c *Client) Run(ctx context.Context) {
	go c.writeLoop()
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameBytes)
	extend := func() { c.conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		extend()
		c.handleFrame(ctx, data)
	}
}

// writeLoop drains the send queue and keeps the peer alive with pings.
// It closes the socket on any write error, which ends Run's reads.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.conn.Close()

	write := func(kind int, data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(kind, data) == nil
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil)
				return
			}
			if !write(websocket.TextMessage, msg) {
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame. Clients only ever send requests,
// and until connect succeeds only connect and health are served.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	req, err := protocol.DecodeRequest(data)
	switch {
	case err != nil:
		c.sendError(req.ID, protocol.ErrInvalidRequest, err.Error())
	case !c.isAuthenticated() && req.Method != protocol.MethodConnect && req.Method != protocol.MethodHealth:
		c.sendError(req.ID, protocol.ErrUnauthorized, "first request must be 'connect'")
	default:
		c.server.methods.Handle(ctx, c, req)
	}
}

func (c *Client) SendResponse(resp *protocol.ResponseFrame) { c.sendJSON(resp, "response") }

func (c *Client) SendEvent(event protocol.EventFrame) { c.sendJSON(event, "event") }

func (c *Client) sendError(id, code, message string) {
	c.SendResponse(protocol.NewErrorResponse(id, code, message))
}

// sendJSON queues v without blocking. A slow reader loses frames rather
// than stalling the sender; drops are counted and logged.
func (c *Client) sendJSON(v any, kind string) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal "+kind, "client", c.id, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		n := c.dropped.Add(1)
		slog.Warn("gateway: client send queue full", "client", c.id, "kind", kind, "dropped", n)
	}
}

func (c *Client) authenticate(userID string) {
	c.userID.Store(&userID)
	c.authed.Store(true)
}

func (c *Client) isAuthenticated() bool { return c.authed.Load() }

func (c *Client) ID() string { return c.id }

// UserID is the external user named during connect, if any.
func (c *Client) UserID() string {
	if p := c.userID.Load(); p != nil {
		return *p
	}
	return ""
}

// Close ends the write loop. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
