package channel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"peerdrop/crypto"
)

// collector is a Handler that records what a channel delivers.
type collector struct {
	mu       sync.Mutex
	messages [][]byte
	reject   error

	received chan []byte
	closed   chan error
}

func newCollector() *collector {
	return &collector{
		received: make(chan []byte, 64),
		closed:   make(chan error, 1),
	}
}

func (c *collector) HandleMessage(message []byte) error {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	reject := c.reject
	c.mu.Unlock()
	c.received <- message
	return reject
}

func (c *collector) HandleClose(err error) {
	c.closed <- err
}

func (c *collector) next(t *testing.T) []byte {
	t.Helper()
	select {
	case message := <-c.received:
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (c *collector) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func nullLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func testOptions(t *testing.T, deviceID string) Options {
	t.Helper()
	identity, err := crypto.NewIdentity()
	require.NoError(t, err)
	return Options{
		Identity:   identity,
		DeviceID:   deviceID,
		DeviceName: deviceID + "-laptop",
		Logger:     nullLogger(),
	}
}

type handshakeResult struct {
	conn *Conn
	err  error
}

// connectPipe runs both handshake sides over net.Pipe.
func connectPipe(t *testing.T, client, server Options) (*Conn, *Conn, error, error) {
	t.Helper()
	a, b := net.Pipe()

	serverDone := make(chan handshakeResult, 1)
	go func() {
		conn, err := Server(b, server)
		if err != nil {
			_ = b.Close()
		}
		serverDone <- handshakeResult{conn: conn, err: err}
	}()

	clientConn, clientErr := Client(a, client)
	if clientErr != nil {
		_ = a.Close()
	}
	result := <-serverDone

	t.Cleanup(func() {
		if clientConn != nil {
			_ = clientConn.Close()
		}
		if result.conn != nil {
			_ = result.conn.Close()
		}
	})
	return clientConn, result.conn, clientErr, result.err
}

type policyFunc func(PeerInfo) error

func (f policyFunc) CheckPeerKey(peer PeerInfo) error { return f(peer) }
