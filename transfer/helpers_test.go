package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"peerdrop/protocol"
)

type events struct {
	statuses []Status
	progress []int
	files    []ReceivedFile
	failures []*Error
}

type recorder struct {
	mu     sync.Mutex
	events events
}

func (r *recorder) StatusChanged(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events.statuses = append(r.events.statuses, status)
}

func (r *recorder) ProgressChanged(progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events.progress = append(r.events.progress, progress)
}

func (r *recorder) FileReceived(file ReceivedFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events.files = append(r.events.files, file)
}

func (r *recorder) TransferFailed(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events.failures = append(r.events.failures, err)
}

func (r *recorder) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events{
		statuses: append([]Status(nil), r.events.statuses...),
		progress: append([]int(nil), r.events.progress...),
		files:    append([]ReceivedFile(nil), r.events.files...),
		failures: append([]*Error(nil), r.events.failures...),
	}
}

// loopback records every message and optionally delivers it to a peer session.
type loopback struct {
	mu      sync.Mutex
	peer    *Session
	sent    [][]byte
	closed  bool
	failOn  int
	sendErr error
}

func (l *loopback) Send(message []byte) error {
	l.mu.Lock()
	if l.sendErr != nil && len(l.sent) >= l.failOn {
		l.mu.Unlock()
		return l.sendErr
	}
	l.sent = append(l.sent, append([]byte(nil), message...))
	peer := l.peer
	l.mu.Unlock()

	if peer != nil {
		_ = peer.HandleMessage(message)
	}
	return nil
}

func (l *loopback) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

func (l *loopback) messages() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// limitedLoopback is a loopback that advertises a message size cap.
type limitedLoopback struct {
	loopback
	limit int
}

func (l *limitedLoopback) MaxMessageSize() int { return l.limit }

func (l *limitedLoopback) Send(message []byte) error {
	if len(message) > l.limit {
		return protocol.ErrMessageTooLarge
	}
	return l.loopback.Send(message)
}

// gatedChannel lets the metadata and first chunk through, then blocks every
// later send until release is closed.
type gatedChannel struct {
	count   atomic.Int32
	release chan struct{}
	blocked chan struct{}
	once    sync.Once
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{release: make(chan struct{}), blocked: make(chan struct{})}
}

func (g *gatedChannel) Send([]byte) error {
	if g.count.Add(1) > 2 {
		g.once.Do(func() { close(g.blocked) })
		<-g.release
	}
	return nil
}

func (g *gatedChannel) IsOpen() bool { return true }

type trackedSource struct {
	*ReaderSource
	closed atomic.Bool
}

func newTrackedSource(name string, data []byte) *trackedSource {
	return &trackedSource{ReaderSource: NewReaderSource(name, uint64(len(data)), bytes.NewReader(data))}
}

func (s *trackedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func newTestSession(t *testing.T, options Options) (*Session, *recorder) {
	t.Helper()
	if options.Logger == nil {
		logger, _ := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		options.Logger = logger
	}
	session := NewSession(options)
	rec := &recorder{}
	session.Subscribe(rec)
	return session, rec
}

func waitTerminal(t *testing.T, session *Session) (Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := session.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "session did not finish")
	return status, err
}

func metaMessage(t *testing.T, meta protocol.FileMetadata) []byte {
	t.Helper()
	message, err := protocol.EncodeMeta(meta)
	require.NoError(t, err)
	return message
}

func chunkMessage(t *testing.T, id string, index, count uint32, payload []byte) []byte {
	t.Helper()
	message, err := protocol.EncodeChunk(protocol.Chunk{TransferID: id, Index: index, ChunkCount: count, Payload: payload})
	require.NoError(t, err)
	return message
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
