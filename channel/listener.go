package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener accepts authenticated channels on a TCP address.
type Listener struct {
	ln   net.Listener
	opts Options
	log  logrus.FieldLogger
}

// Listen binds address (":0" picks a free port).
func Listen(address string, options Options) (*Listener, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return &Listener{
		ln:   ln,
		opts: opts,
		log:  opts.Logger.WithField("listen_address", ln.Addr().String()),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Accept waits for the next peer that completes the handshake. Peers that
// fail the handshake are logged and dropped.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		if dl, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Now())
		}
	})
	defer func() {
		stop()
		if dl, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
			_ = dl.SetDeadline(time.Time{})
		}
	}()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("accept: %w", err)
		}

		conn, err := Server(raw, l.opts)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"function":    "Listener.Accept",
				"remote_addr": raw.RemoteAddr().String(),
			}).WithError(err).Warn("Rejected peer")
			_ = raw.Close()
			continue
		}
		return conn, nil
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
