package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeTimeout = 5 * time.Second
	closeTimeout = time.Second
)

// companionConn is the client side of the companion WebSocket.
type companionConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialCompanion(ctx context.Context, url string, timeout time.Duration) (*companionConn, error) {
	d := ws.Dialer{Timeout: timeout}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	// The companion never speaks first; nothing buffered is worth keeping.
	if br != nil {
		ws.PutReader(br)
	}
	return &companionConn{conn: conn}, nil
}

// writeText sends data as a single masked text frame.
func (c *companionConn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("bridge: set write deadline: %w", err)
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("bridge: send: %w", err)
	}
	return nil
}

// readUntilClosed discards inbound frames and returns when the socket fails
// or the peer closes it. Control frames (ping, close) are answered.
func (c *companionConn) readUntilClosed() error {
	rw := lockedConn{Conn: c.conn, mu: &c.writeMu}
	for {
		if _, _, err := wsutil.ReadServerData(rw); err != nil {
			return fmt.Errorf("bridge: read: %w", err)
		}
	}
}

func (c *companionConn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// lockedConn serializes control-frame replies from the reader with data
// frames written by the agent loop.
type lockedConn struct {
	net.Conn
	mu *sync.Mutex
}

func (l lockedConn) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Conn.Write(p)
}
