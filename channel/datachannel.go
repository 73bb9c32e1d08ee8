package channel

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DefaultDataChannelMessageSize is the largest message most SCTP stacks accept.
const DefaultDataChannelMessageSize = 64 * 1024

// RTCDataChannel is the subset of *webrtc.DataChannel the adapter uses.
type RTCDataChannel interface {
	Send(data []byte) error
	ReadyState() webrtc.DataChannelState
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	Close() error
}

// DataChannelOptions configures NewDataChannel.
type DataChannelOptions struct {
	// MaxMessageSize rejects larger outbound messages before they reach SCTP.
	// Transfer sessions read it back to size their chunks.
	MaxMessageSize int
	Logger         logrus.FieldLogger
}

// DataChannel adapts an ordered, reliable WebRTC data channel. The caller
// negotiates the peer connection; the data channel must be open.
type DataChannel struct {
	dc             RTCDataChannel
	maxMessageSize int
	log            logrus.FieldLogger

	mu        sync.Mutex
	closed    bool
	serveOnce sync.Once
	closeOnce sync.Once
	handler   Handler
}

// NewDataChannel wraps dc, typically a *webrtc.DataChannel.
func NewDataChannel(dc RTCDataChannel, options DataChannelOptions) *DataChannel {
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = DefaultDataChannelMessageSize
	}
	return &DataChannel{
		dc:             dc,
		maxMessageSize: options.MaxMessageSize,
		log:            loggerOrDefault(options.Logger),
	}
}

func (d *DataChannel) Send(message []byte) error {
	if !d.IsOpen() {
		return ErrClosed
	}
	if len(message) > d.maxMessageSize {
		return ErrMessageTooLarge
	}
	return d.dc.Send(message)
}

// MaxMessageSize reports the largest message Send accepts.
func (d *DataChannel) MaxMessageSize() int {
	return d.maxMessageSize
}

func (d *DataChannel) IsOpen() bool {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	return !closed && d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Serve registers h for inbound messages and close notification. pion
// invokes OnMessage from a single goroutine per data channel, in order.
func (d *DataChannel) Serve(h Handler) {
	d.serveOnce.Do(func() {
		d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			deliver(d.log, h, msg.Data)
		})
		d.dc.OnClose(func() {
			d.markClosed(h)
		})
		d.mu.Lock()
		d.handler = h
		d.mu.Unlock()
	})
}

// Close closes the underlying data channel.
func (d *DataChannel) Close() error {
	err := d.dc.Close()

	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	d.markClosed(h)
	return err
}

func (d *DataChannel) markClosed(h Handler) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.log.WithField("function", "DataChannel.markClosed").Info("Data channel closed")
		if h != nil {
			h.HandleClose(nil)
		}
	})
}
