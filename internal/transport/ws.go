package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WSTransport is the gorilla/websocket-backed Transport. Each destination
// address gets a persistent connection and a dedicated writer goroutine
// (SPEC_FULL.md §5's "per-peer send-queue actors" realization of the
// original's per-peer send queue).
type WSTransport struct {
	idleTimeout time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peerConn
	handler Handler

	server *http.Server
}

// peerConn is one outbound connection's send-queue actor: a buffered
// channel drained by a single writer goroutine, so sends from multiple
// engine calls are serialized per destination without blocking the caller.
type peerConn struct {
	conn    *websocket.Conn
	outbox  chan []byte
	closeMu sync.Once
	done    chan struct{}
}

// NewWS constructs a WSTransport with the given idle timeout (SPEC_FULL.md
// §10's "websocket idle timeout").
func NewWS(idleTimeout time.Duration, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		idleTimeout: idleTimeout,
		logger:      logger,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		peers:       make(map[string]*peerConn),
	}
}

// SetHandler installs the inbound message callback.
func (w *WSTransport) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// Listen starts an HTTP server upgrading every request to a websocket
// connection and reading inbound frames from it.
func (w *WSTransport) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", w.serveWS)
	w.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithMessagef(err, "transport: listen on %s", addr)
		}
	case <-time.After(50 * time.Millisecond):
		// server came up without an immediate bind error
	}
	return nil
}

func (w *WSTransport) serveWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("transport: websocket upgrade failed", zap.Error(err))
		return
	}
	w.readLoop(conn, r.RemoteAddr)
}

// Send queues msg for delivery to addr, dialing a new connection on first
// use.
func (w *WSTransport) Send(ctx context.Context, addr string, msg []byte) error {
	pc, err := w.connFor(ctx, addr)
	if err != nil {
		return err
	}
	select {
	case pc.outbox <- msg:
		return nil
	case <-pc.done:
		return errors.Errorf("transport: connection to %s closed", addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WSTransport) connFor(ctx context.Context, addr string) (*peerConn, error) {
	w.mu.Lock()
	if pc, ok := w.peers[addr]; ok {
		w.mu.Unlock()
		return pc, nil
	}
	w.mu.Unlock()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "transport: dial %s", addr)
	}

	pc := &peerConn{conn: conn, outbox: make(chan []byte, 256), done: make(chan struct{})}
	w.mu.Lock()
	w.peers[addr] = pc
	w.mu.Unlock()

	go w.writeLoop(pc)
	go w.readLoop(conn, addr)
	return pc, nil
}

func (w *WSTransport) writeLoop(pc *peerConn) {
	defer pc.close()
	for msg := range pc.outbox {
		if err := pc.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			w.logger.Warn("transport: write failed", zap.Error(err))
			return
		}
	}
}

func (w *WSTransport) readLoop(conn *websocket.Conn, sender string) {
	defer conn.Close()
	for {
		if w.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.idleTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		w.mu.Lock()
		h := w.handler
		w.mu.Unlock()
		if h != nil {
			h(sender, data)
		}
	}
}

func (pc *peerConn) close() {
	pc.closeMu.Do(func() {
		close(pc.done)
		_ = pc.conn.Close()
	})
}

// Close shuts down the listener and every outbound connection.
func (w *WSTransport) Close() error {
	w.mu.Lock()
	peers := make([]*peerConn, 0, len(w.peers))
	for _, pc := range w.peers {
		peers = append(peers, pc)
	}
	w.peers = make(map[string]*peerConn)
	w.mu.Unlock()

	for _, pc := range peers {
		pc.close()
	}
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}
