package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handshake is the credential set a device presents when connecting,
// over either transport.
type Handshake struct {
	DeviceID   string
	MacAddress string
	APIKey     string
}

var ErrBadHandshake = errors.New("transport: missing or malformed handshake headers")

// DeviceHandshake extracts the device credential headers from an upgrade
// or fallback request. All three headers are required.
func DeviceHandshake(r *http.Request) (Handshake, error) {
	hs := Handshake{
		DeviceID:   r.Header.Get("X-Device-Id"),
		MacAddress: r.Header.Get("X-Mac-Address"),
		APIKey:     r.Header.Get("X-Api-Key"),
	}
	if hs.DeviceID == "" || hs.MacAddress == "" || hs.APIKey == "" {
		return Handshake{}, ErrBadHandshake
	}
	return hs, nil
}

// Upgrader is shared by the device and observer websocket endpoints.
// Terminals do not send an Origin header, so the check is permissive.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// WSConn wraps a gorilla websocket connection behind the registry Conn and
// fanout Observer interfaces. A mutex serializes writes: gorilla permits
// one concurrent writer, and the relay, fanout and sweep may all send.
type WSConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}

func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// ReadRaw blocks on the next frame from the peer and returns its bytes.
// Frames are flat JSON objects; callers peek the type and decode fully.
func (c *WSConn) ReadRaw() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

// OnPong installs the liveness callback invoked by the read loop when a
// pong control frame arrives.
func (c *WSConn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}
