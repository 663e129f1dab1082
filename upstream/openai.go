package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicebridge/messages"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxMessageSize   = 4 * 1024 * 1024
)

// OpenAIDialer speaks the OpenAI realtime websocket protocol, which the
// frame set mirrors one to one.
type OpenAIDialer struct {
	URL   string
	Model string
}

func (d *OpenAIDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, classifyHandshake("dial upstream", resp, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return NewWSConn(conn), nil
}

// WSConn adapts a websocket carrying JSON frames to Conn.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) ReadFrame() (messages.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, Classify("read upstream", err)
	}
	return messages.Decode(data)
}

func (c *WSConn) WriteFrame(f messages.Frame) error {
	data, err := messages.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return Classify("write upstream", err)
	}
	return nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
