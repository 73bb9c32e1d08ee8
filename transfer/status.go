package transfer

// Status is the lifecycle state of a Session.
type Status uint8

const (
	StatusIdle Status = iota
	StatusSending
	StatusReceiving
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusReceiving:
		return "receiving"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a transfer is in flight.
func (s Status) Active() bool {
	return s == StatusSending || s == StatusReceiving
}

// Terminal reports whether the status only leaves through Reset.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Direction tells which side of a transfer a session played.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// percent reports progress after chunk index of count, rounded up so the
// last chunk always reports 100.
func percent(index, count uint32) int {
	if count == 0 {
		return 0
	}
	done := uint64(index) + 1
	return int((done*100 + uint64(count) - 1) / uint64(count))
}
