package transfer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a transfer failed.
type ErrorKind uint8

const (
	KindNoActiveChannel ErrorKind = iota + 1
	KindReadFailure
	KindTransferInProgress
	KindOutOfOrderChunk
	KindProtocolViolation
	KindChannelClosed
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoActiveChannel:
		return "no_active_channel"
	case KindReadFailure:
		return "read_failure"
	case KindTransferInProgress:
		return "transfer_in_progress"
	case KindOutOfOrderChunk:
		return "out_of_order_chunk"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindChannelClosed:
		return "channel_closed"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a terminal transfer failure. errors.Is matches it against the
// sentinel of the same kind.
type Error struct {
	Kind       ErrorKind
	TransferID string
	Err        error
}

var (
	ErrNoActiveChannel    = &Error{Kind: KindNoActiveChannel}
	ErrReadFailure        = &Error{Kind: KindReadFailure}
	ErrTransferInProgress = &Error{Kind: KindTransferInProgress}
	ErrOutOfOrderChunk    = &Error{Kind: KindOutOfOrderChunk}
	ErrProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrChannelClosed      = &Error{Kind: KindChannelClosed}
	ErrCancelled          = &Error{Kind: KindCancelled}
)

var (
	// ErrNoFileSelected indicates StartSend was called before SelectFile.
	ErrNoFileSelected = errors.New("transfer: no file selected")
	// ErrSessionBusy indicates an operation that requires an idle session.
	ErrSessionBusy = errors.New("transfer: session is not idle")
)

func newError(kind ErrorKind, transferID string, err error) *Error {
	return &Error{Kind: kind, TransferID: transferID, Err: err}
}

func (e *Error) Error() string {
	msg := "transfer: " + e.Kind.String()
	if e.TransferID != "" {
		msg += " (" + e.TransferID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.TransferID == "" && t.Err == nil
}

// KindOf extracts the ErrorKind from err, or 0 when err is not a transfer error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
