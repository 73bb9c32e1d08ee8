package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
)

const (
	// DefaultHandshakeTimeout bounds dialing and the hello exchange.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends a ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for a pong after a ping.
	DefaultKeepAliveTimeout = 15 * time.Second

	closeWriteTimeout = time.Second
)

const (
	frameData byte = iota + 1
	framePing
	framePong
	frameClose
)

// Frames are bound to the direction they travel in, so a frame cannot be
// reflected back to its sender.
const (
	fromInitiator byte = 'I'
	fromResponder byte = 'R'
)

var (
	// ErrPongTimeout indicates the peer stopped answering keep-alive pings.
	ErrPongTimeout = errors.New("channel: pong timeout")
	// ErrSequence indicates a frame arrived out of sequence.
	ErrSequence = errors.New("channel: frame out of sequence")
)

// Options configures Dial and Listen.
type Options struct {
	Identity   *crypto.Identity
	DeviceID   string
	DeviceName string
	PeerKeys   PeerKeyPolicy

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	Logger            logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	out.Logger = loggerOrDefault(out.Logger)
	return out
}

func (o Options) validate() error {
	if o.Identity == nil {
		return errors.New("identity is required")
	}
	if o.DeviceID == "" {
		return errors.New("device ID is required")
	}
	return nil
}

// Conn is an authenticated, encrypted message channel over a stream.
type Conn struct {
	conn   net.Conn
	sealer *crypto.Sealer
	peer   PeerInfo
	log    logrus.FieldLogger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	sendMu  sync.Mutex
	sendDir byte
	sendSeq uint64
	recvDir byte
	recvSeq uint64

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	serveOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	closeErr  error
}

// Dial connects to address and runs the client side of the handshake.
func Dial(ctx context.Context, address string, options Options) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.HandshakeTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	conn, err := Client(raw, opts)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Client runs the initiating side of the handshake over an established stream.
func Client(raw net.Conn, options Options) (*Conn, error) {
	return newConn(raw, options, true)
}

// Server runs the accepting side of the handshake over an established stream.
func Server(raw net.Conn, options Options) (*Conn, error) {
	return newConn(raw, options, false)
}

func newConn(raw net.Conn, options Options, initiator bool) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	sealer, peer, err := handshake(raw, opts, initiator)
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", raw.RemoteAddr(), err)
	}

	c := &Conn{
		conn:   raw,
		sealer: sealer,
		peer:   peer,
		log: opts.Logger.WithFields(logrus.Fields{
			"peer_device_id": peer.DeviceID,
			"peer_address":   peer.Address,
		}),
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		closed:            make(chan struct{}),
		sendDir:           fromResponder,
		recvDir:           fromInitiator,
	}
	if initiator {
		c.sendDir, c.recvDir = fromInitiator, fromResponder
	}
	c.touchActivity()
	c.log.WithField("function", "newConn").Info("Channel established")
	return c, nil
}

// Peer returns the authenticated remote identity.
func (c *Conn) Peer() PeerInfo {
	return c.peer
}

// Send transmits one message. It returns once the frame is written to the stream.
func (c *Conn) Send(message []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	if len(message) > c.MaxMessageSize() {
		return ErrMessageTooLarge
	}
	return c.writeFrame(frameData, message)
}

// MaxMessageSize reports the largest message that fits in one sealed frame.
func (c *Conn) MaxMessageSize() int {
	return MaxFrameSize - 1 - c.sealer.Overhead()
}

func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Serve starts delivering inbound messages to h and keeping the connection
// alive. Only the first call has any effect.
func (c *Conn) Serve(h Handler) {
	c.serveOnce.Do(func() {
		go c.readLoop(h)
		go c.keepAliveLoop()
	})
}

// Done is closed once the connection has closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection closed, or nil after a graceful close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// Close tells the peer the channel is going away and closes the stream.
func (c *Conn) Close() error {
	if c.IsOpen() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = c.writeFrame(frameClose, nil)
	}
	c.closeWithError(nil)
	return nil
}

func (c *Conn) writeFrame(kind byte, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.sendSeq++
	plaintext := make([]byte, 1+len(payload))
	plaintext[0] = kind
	copy(plaintext[1:], payload)

	sealed, err := c.sealer.Seal(plaintext, sequenceData(c.sendDir, c.sendSeq))
	if err != nil {
		return err
	}
	if err := WriteFrame(c.conn, sealed); err != nil {
		if !c.IsOpen() {
			return ErrClosed
		}
		c.closeWithError(err)
		return err
	}
	c.touchActivity()
	return nil
}

func (c *Conn) readLoop(h Handler) {
	defer func() {
		h.HandleClose(c.Err())
	}()

	for {
		sealed, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.closeWithError(nil)
			} else {
				c.closeWithError(err)
			}
			return
		}
		c.touchActivity()

		c.recvSeq++
		plaintext, err := c.sealer.Open(sealed, sequenceData(c.recvDir, c.recvSeq))
		if err != nil {
			c.closeWithError(fmt.Errorf("%w: frame %d: %v", ErrSequence, c.recvSeq, err))
			return
		}
		if len(plaintext) == 0 {
			continue
		}

		switch plaintext[0] {
		case frameData:
			deliver(c.log, h, plaintext[1:])
		case framePing:
			_ = c.writeFrame(framePong, nil)
		case framePong:
			c.ackPong()
		case frameClose:
			c.log.WithField("function", "readLoop").Debug("Peer closed channel")
			c.closeWithError(nil)
			return
		default:
			c.log.WithFields(logrus.Fields{
				"function": "readLoop",
				"kind":     plaintext[0],
			}).Warn("Ignoring unknown frame kind")
		}
	}
}

func (c *Conn) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.log.WithField("function", "keepAliveLoop").Warn("Peer stopped answering pings")
				c.closeWithError(ErrPongTimeout)
				return
			}
			if c.isWaitingPong() || time.Since(time.Unix(0, c.lastActivity.Load())) < c.keepAliveInterval {
				continue
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
			if err := c.writeFrame(framePing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Conn) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Conn) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Conn) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)

		log := c.log.WithField("function", "closeWithError")
		if err != nil {
			log.WithError(err).Warn("Channel closed with error")
		} else {
			log.Info("Channel closed")
		}
	})
}

func sequenceData(direction byte, seq uint64) []byte {
	var buf [9]byte
	buf[0] = direction
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf[:]
}
