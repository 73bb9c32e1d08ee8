// Package channel provides ordered, reliable message channels between two
// peers: framed and encrypted TCP, WebSocket, WebRTC data channels and an
// in-memory pipe. Every adapter delivers inbound messages to a Handler from a
// single goroutine, in arrival order.
package channel

import (
	"errors"

	"github.com/sirupsen/logrus"

	"peerdrop/protocol"
)

var (
	// ErrClosed is returned by Send once the channel has closed.
	ErrClosed = errors.New("channel: closed")
	// ErrMessageTooLarge indicates a message above the adapter's size limit.
	ErrMessageTooLarge = protocol.ErrMessageTooLarge
)

// Handler consumes inbound messages. HandleMessage is never called
// concurrently for one channel. HandleClose is called once, after the last
// message, with the reason the channel closed (nil for a graceful close).
type Handler interface {
	HandleMessage(message []byte) error
	HandleClose(err error)
}

// Channel is the surface every adapter exposes.
type Channel interface {
	Send(message []byte) error
	IsOpen() bool
	Serve(h Handler)
	Close() error
}

func deliver(log logrus.FieldLogger, h Handler, message []byte) {
	if err := h.HandleMessage(message); err != nil {
		log.WithFields(logrus.Fields{
			"function": "deliver",
			"size":     len(message),
		}).WithError(err).Debug("Handler rejected message")
	}
}

func loggerOrDefault(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}
