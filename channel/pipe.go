package channel

import (
	"sync"
)

const pipeBuffer = 16

// PipeEnd is one end of an in-memory channel pair.
type PipeEnd struct {
	inbox chan []byte
	peer  *PipeEnd

	// shared by both ends
	closed    chan struct{}
	closeOnce *sync.Once

	serveOnce sync.Once
}

// Pipe returns two connected ends. Messages are copied, delivered in order,
// and closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{inbox: make(chan []byte, pipeBuffer), closed: closed, closeOnce: once}
	b := &PipeEnd{inbox: make(chan []byte, pipeBuffer), closed: closed, closeOnce: once}
	a.peer, b.peer = b, a
	return a, b
}

// Send queues message for the peer, blocking while the peer's inbox is full.
func (p *PipeEnd) Send(message []byte) error {
	if !p.IsOpen() {
		return ErrClosed
	}
	select {
	case p.peer.inbox <- append([]byte(nil), message...):
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *PipeEnd) IsOpen() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

// Serve delivers queued messages to h. Messages queued before a close are
// still delivered, then h.HandleClose(nil) is called.
func (p *PipeEnd) Serve(h Handler) {
	p.serveOnce.Do(func() {
		go p.readLoop(h)
	})
}

func (p *PipeEnd) readLoop(h Handler) {
	log := loggerOrDefault(nil)
	for {
		select {
		case message := <-p.inbox:
			deliver(log, h, message)
		case <-p.closed:
			for {
				select {
				case message := <-p.inbox:
					deliver(log, h, message)
				default:
					h.HandleClose(nil)
					return
				}
			}
		}
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
