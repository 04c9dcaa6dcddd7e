package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/askrelay/internal/push"
	"github.com/amurg-ai/askrelay/pkg/protocol"
)

// clientConn is one open client socket. mu serializes writes.
type clientConn struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (cc *clientConn) write(payload []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return fmt.Errorf("%w: %s", push.ErrStaleConnection, cc.id)
	}
	_ = cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		cc.closed = true
		return fmt.Errorf("%w: %s: %v", push.ErrDelivery, cc.id, err)
	}
	return nil
}

func (cc *clientConn) markClosed() {
	cc.mu.Lock()
	cc.closed = true
	cc.mu.Unlock()
}

// Registry tracks the sockets this process holds and delivers frames to them.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*clientConn
	codec protocol.Codec
}

var _ push.Pusher = (*Registry)(nil)

func NewRegistry(codec protocol.Codec) *Registry {
	if codec == nil {
		codec = protocol.TextCodec{}
	}
	return &Registry{
		conns: make(map[string]*clientConn),
		codec: codec,
	}
}

func (r *Registry) add(cc *clientConn) {
	r.mu.Lock()
	r.conns[cc.id] = cc
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	cc, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		cc.markClosed()
	}
}

func (r *Registry) lookup(id string) (*clientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.conns[id]
	return cc, ok
}

// closeAll sends a going-away close frame to every socket and closes it,
// which ends each read loop.
func (r *Registry) closeAll() {
	r.mu.RLock()
	conns := make([]*clientConn, 0, len(r.conns))
	for _, cc := range r.conns {
		conns = append(conns, cc)
	}
	r.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, cc := range conns {
		cc.mu.Lock()
		if !cc.closed {
			_ = cc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			cc.closed = true
		}
		_ = cc.conn.Close()
		cc.mu.Unlock()
	}
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Push writes one frame to connID. A connection that is not (or no longer)
// registered yields push.ErrStaleConnection.
func (r *Registry) Push(_ context.Context, connID string, payload []byte) error {
	cc, ok := r.lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", push.ErrStaleConnection, connID)
	}
	return cc.write(payload)
}

func (r *Registry) PushEnd(ctx context.Context, connID string) error {
	return r.Push(ctx, connID, r.codec.End())
}
