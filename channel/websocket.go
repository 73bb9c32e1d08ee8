package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const websocketCloseTimeout = time.Second

// WebSocketOptions configures WebSocket channels.
type WebSocketOptions struct {
	// ReadLimit bounds inbound message size. Defaults to MaxFrameSize.
	ReadLimit int64
	Logger    logrus.FieldLogger
}

// WebSocket adapts a gorilla websocket connection. Messages travel as
// binary frames.
type WebSocket struct {
	ws  *websocket.Conn
	log logrus.FieldLogger

	writeMu   sync.Mutex
	serveOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(ws *websocket.Conn, options WebSocketOptions) *WebSocket {
	if options.ReadLimit <= 0 {
		options.ReadLimit = MaxFrameSize
	}
	ws.SetReadLimit(options.ReadLimit)
	return &WebSocket{
		ws:     ws,
		log:    loggerOrDefault(options.Logger).WithField("peer_address", ws.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, options WebSocketOptions) (*WebSocket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %q: %w", url, err)
	}
	return NewWebSocket(ws, options), nil
}

// WebSocketHandler upgrades HTTP requests and hands each channel to onConnect.
func WebSocketHandler(options WebSocketOptions, onConnect func(*WebSocket)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	log := loggerOrDefault(options.Logger)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithFields(logrus.Fields{
				"function":    "WebSocketHandler",
				"remote_addr": r.RemoteAddr,
			}).WithError(err).Warn("Websocket upgrade failed")
			return
		}
		onConnect(NewWebSocket(ws, options))
	})
}

func (w *WebSocket) Send(message []byte) error {
	if !w.IsOpen() {
		return ErrClosed
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		w.shutdown()
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (w *WebSocket) IsOpen() bool {
	select {
	case <-w.closed:
		return false
	default:
		return true
	}
}

// Done is closed once the connection is shut down.
func (w *WebSocket) Done() <-chan struct{} {
	return w.closed
}

func (w *WebSocket) RemoteAddr() net.Addr {
	return w.ws.RemoteAddr()
}

// Serve starts the read loop.
func (w *WebSocket) Serve(h Handler) {
	w.serveOnce.Do(func() {
		go w.readLoop(h)
	})
}

func (w *WebSocket) readLoop(h Handler) {
	for {
		kind, data, err := w.ws.ReadMessage()
		if err != nil {
			local := !w.IsOpen()
			w.shutdown()
			if local || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				h.HandleClose(nil)
				return
			}
			h.HandleClose(err)
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		deliver(w.log, h, data)
	}
}

// Close sends a close control frame and closes the connection.
func (w *WebSocket) Close() error {
	if w.IsOpen() {
		w.writeMu.Lock()
		_ = w.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(websocketCloseTimeout),
		)
		w.writeMu.Unlock()
	}
	w.shutdown()
	return nil
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		close(w.closed)
		_ = w.ws.Close()
		w.log.WithField("function", "WebSocket.shutdown").Info("Websocket closed")
	})
}
