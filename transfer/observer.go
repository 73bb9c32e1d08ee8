package transfer

// ReceivedFile is a fully reassembled inbound file.
type ReceivedFile struct {
	TransferID string
	Name       string
	Bytes      []byte
	Size       uint64
}

// Observer receives session notifications. Calls are made synchronously and
// in order, outside the session's state lock: an observer may read session
// state, but must not call Cancel, Reset, StartSend or HandleMessage from
// inside a callback.
type Observer interface {
	StatusChanged(Status)
	ProgressChanged(int)
	FileReceived(ReceivedFile)
	TransferFailed(*Error)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnStatus       func(Status)
	OnProgress     func(int)
	OnFileReceived func(ReceivedFile)
	OnFailed       func(*Error)
}

func (f ObserverFuncs) StatusChanged(status Status) {
	if f.OnStatus != nil {
		f.OnStatus(status)
	}
}

func (f ObserverFuncs) ProgressChanged(progress int) {
	if f.OnProgress != nil {
		f.OnProgress(progress)
	}
}

func (f ObserverFuncs) FileReceived(file ReceivedFile) {
	if f.OnFileReceived != nil {
		f.OnFileReceived(file)
	}
}

func (f ObserverFuncs) TransferFailed(err *Error) {
	if f.OnFailed != nil {
		f.OnFailed(err)
	}
}
