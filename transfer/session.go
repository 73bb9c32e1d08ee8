// Package transfer runs one chunked file transfer at a time over a message
// channel and reports its lifecycle to observers.
package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/protocol"
)

// Options configures a Session.
type Options struct {
	// ChunkSize is the payload size of outbound chunks. Zero selects
	// protocol.DefaultChunkSize.
	ChunkSize uint32
	// MaxFileSize rejects inbound transfers larger than this. Zero means no limit.
	MaxFileSize uint64
	Logger      logrus.FieldLogger
	// NewTransferID generates outbound transfer IDs. Defaults to uuid.NewString.
	NewTransferID func() string
}

type observerEntry struct {
	id       uint64
	observer Observer
}

type notification func(Observer)

// Session holds the state of the current transfer: status, progress, the
// selected source and any failure. It is safe for concurrent use.
type Session struct {
	log      logrus.FieldLogger
	sender   *sender
	receiver *receiver

	// emitMu keeps observers seeing notifications in the order the state
	// changed. Lock order is receiver.mu, emitMu, mu.
	emitMu sync.Mutex

	mu         sync.Mutex
	status     Status
	direction  Direction
	progress   int
	failure    *Error
	transferID string
	meta       protocol.FileMetadata
	source     Source
	cancelSend context.CancelFunc
	done       chan struct{}
	// finished is the done channel to close once the terminal
	// notifications have been delivered.
	finished chan struct{}

	observers      []observerEntry
	nextObserverID uint64
}

// NewSession returns an idle session.
func NewSession(options Options) *Session {
	if options.ChunkSize == 0 {
		options.ChunkSize = protocol.DefaultChunkSize
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.NewTransferID == nil {
		options.NewTransferID = uuid.NewString
	}

	s := &Session{
		log:  options.Logger,
		done: make(chan struct{}),
	}
	s.sender = &sender{
		chunkSize:     options.ChunkSize,
		newTransferID: options.NewTransferID,
		events:        s,
		log:           options.Logger,
	}
	s.receiver = &receiver{
		maxFileSize: options.MaxFileSize,
		events:      s,
		log:         options.Logger,
	}
	return s
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Session) Subscribe(observer Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextObserverID++
	id := s.nextObserverID
	s.observers = append(s.observers, observerEntry{id: id, observer: observer})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.observers {
			if entry.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// SelectFile stores the source to send next, closing any previous selection.
func (s *Session) SelectFile(src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusIdle {
		return ErrSessionBusy
	}
	if s.source != nil && s.source != src {
		_ = s.source.Close()
	}
	s.source = src
	return nil
}

// StartSend streams the selected file over ch and returns its transfer ID.
// The transfer continues in the background; follow it through observers or
// Wait. Cancelling ctx cancels the transfer.
func (s *Session) StartSend(ctx context.Context, ch Channel) (string, error) {
	s.mu.Lock()
	src := s.source
	status := s.status
	s.mu.Unlock()

	if ch == nil || !ch.IsOpen() {
		return "", newError(KindNoActiveChannel, "", nil)
	}
	if status != StatusIdle {
		return "", newError(KindTransferInProgress, "", nil)
	}
	if src == nil {
		return "", ErrNoFileSelected
	}
	return s.sender.beginTransfer(ctx, src, ch)
}

// HandleMessage applies one inbound channel message. Messages are processed
// one at a time; the returned error reports a rejected or failed message.
func (s *Session) HandleMessage(message []byte) error {
	return s.receiver.onMessage(message)
}

// HandleClose fails the active transfer because the channel went away.
func (s *Session) HandleClose(cause error) {
	s.receiver.abandon()
	s.mutate(func() []notification {
		if !s.status.Active() {
			return nil
		}
		return s.finishLocked(StatusFailed, newError(KindChannelClosed, s.transferID, cause))
	})
}

// Cancel aborts the active transfer. It is a no-op when nothing is in flight.
func (s *Session) Cancel() {
	s.receiver.abandon()
	s.mutate(func() []notification {
		if !s.status.Active() {
			return nil
		}
		return s.finishLocked(StatusFailed, newError(KindCancelled, s.transferID, nil))
	})
}

// Reset cancels anything in flight, releases the selected file and returns
// the session to Idle.
func (s *Session) Reset() {
	s.receiver.abandon()
	s.mutate(func() []notification {
		var events []notification
		if s.status.Active() {
			events = s.finishLocked(StatusFailed, newError(KindCancelled, s.transferID, nil))
		}
		s.releaseLocked()

		previous := s.status
		s.status = StatusIdle
		s.direction = ""
		s.progress = 0
		s.failure = nil
		s.transferID = ""
		s.meta = protocol.FileMetadata{}
		s.done = make(chan struct{})
		if previous != StatusIdle {
			events = append(events, statusEvent(StatusIdle))
		}
		return events
	})
}

// Wait blocks until the current transfer reaches Complete or Failed, or ctx
// is done. It returns the transfer's failure, if any.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return s.Status(), s.Failure()
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the current transfer progress in percent.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Failure returns the reason the last transfer failed, or nil.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

func (s *Session) TransferID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferID
}

// Metadata returns the metadata of the current or last transfer.
func (s *Session) Metadata() (protocol.FileMetadata, Direction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, s.direction, s.transferID != ""
}

func (s *Session) beginSend(meta protocol.FileMetadata, src Source, cancel context.CancelFunc) error {
	var err error
	s.mutate(func() []notification {
		if s.status != StatusIdle {
			err = newError(KindTransferInProgress, s.transferID, nil)
			return nil
		}
		s.start(meta, DirectionSend)
		s.source = src
		s.cancelSend = cancel
		return []notification{statusEvent(StatusSending)}
	})
	return err
}

func (s *Session) sendProgress(transferID string, progress int) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusSending) {
			return nil
		}
		s.progress = progress
		return []notification{progressEvent(progress)}
	})
}

func (s *Session) completeSend(transferID string) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusSending) {
			return nil
		}
		return s.finishLocked(StatusComplete, nil)
	})
}

func (s *Session) failSend(transferID string, err *Error) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusSending) {
			return nil
		}
		return s.finishLocked(StatusFailed, err)
	})
}

func (s *Session) beginReceive(meta protocol.FileMetadata) error {
	var err error
	s.mutate(func() []notification {
		if s.status != StatusIdle {
			err = newError(KindTransferInProgress, meta.TransferID, nil)
			return nil
		}
		s.start(meta, DirectionReceive)
		return []notification{statusEvent(StatusReceiving), progressEvent(0)}
	})
	return err
}

func (s *Session) receiveProgress(transferID string, progress int) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusReceiving) {
			return nil
		}
		s.progress = progress
		return []notification{progressEvent(progress)}
	})
}

func (s *Session) completeReceive(transferID string, file ReceivedFile) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusReceiving) {
			return nil
		}
		events := []notification{func(o Observer) { o.FileReceived(file) }}
		return append(events, s.finishLocked(StatusComplete, nil)...)
	})
}

func (s *Session) failReceive(transferID string, err *Error) {
	s.mutate(func() []notification {
		if !s.current(transferID, StatusReceiving) {
			return nil
		}
		return s.finishLocked(StatusFailed, err)
	})
}

// mutate runs fn under the state lock and delivers the notifications it
// returns, in order, once the lock is released. Waiters are released after
// observers have seen a terminal status.
func (s *Session) mutate(fn func() []notification) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	events := fn()
	finished := s.finished
	s.finished = nil
	var observers []Observer
	if len(events) > 0 {
		observers = make([]Observer, 0, len(s.observers))
		for _, entry := range s.observers {
			observers = append(observers, entry.observer)
		}
	}
	s.mu.Unlock()

	for _, event := range events {
		for _, observer := range observers {
			event(observer)
		}
	}
	if finished != nil {
		close(finished)
	}
}

func (s *Session) start(meta protocol.FileMetadata, direction Direction) {
	s.status = StatusReceiving
	if direction == DirectionSend {
		s.status = StatusSending
	}
	s.direction = direction
	s.meta = meta
	s.transferID = meta.TransferID
	s.progress = 0
	s.failure = nil
}

func (s *Session) current(transferID string, status Status) bool {
	return s.status == status && s.transferID == transferID
}

// finishLocked moves the session to a terminal status and releases the
// resources of the transfer.
func (s *Session) finishLocked(status Status, failure *Error) []notification {
	s.status = status
	s.failure = failure
	if status == StatusComplete {
		s.progress = 100
	}
	s.releaseLocked()
	s.finished = s.done

	log := s.log.WithFields(logrus.Fields{
		"function":    "Session.finish",
		"transfer_id": s.transferID,
		"direction":   s.direction,
		"status":      status.String(),
	})
	if failure != nil {
		log.WithError(failure).Warn("Transfer failed")
	} else {
		log.Info("Transfer finished")
	}

	events := []notification{statusEvent(status)}
	if failure != nil {
		events = append(events, func(o Observer) { o.TransferFailed(failure) })
	}
	return events
}

func (s *Session) releaseLocked() {
	if s.cancelSend != nil {
		s.cancelSend()
		s.cancelSend = nil
	}
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
}

func statusEvent(status Status) notification {
	return func(o Observer) { o.StatusChanged(status) }
}

func progressEvent(progress int) notification {
	return func(o Observer) { o.ProgressChanged(progress) }
}
