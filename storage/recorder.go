package storage

import (
	"sync"

	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/transfer"
)

// Recorder is a transfer.Observer that keeps the transfers table in step
// with one session.
type Recorder struct {
	store   *Store
	session *transfer.Session
	log     logrus.FieldLogger

	mu   sync.Mutex
	peer string
}

// NewRecorder returns a recorder for session. Subscribe it to the session.
func NewRecorder(store *Store, session *transfer.Session, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{store: store, session: session, log: log}
}

// SetPeer names the remote device for transfers recorded from now on.
func (r *Recorder) SetPeer(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = peer
}

func (r *Recorder) StatusChanged(status transfer.Status) {
	switch status {
	case transfer.StatusSending, transfer.StatusReceiving:
		meta, direction, ok := r.session.Metadata()
		if !ok {
			return
		}
		r.mu.Lock()
		peer := r.peer
		r.mu.Unlock()

		err := r.store.SaveTransfer(models.Transfer{
			TransferID: meta.TransferID,
			Direction:  string(direction),
			Peer:       peer,
			Name:       meta.Name,
			Size:       meta.TotalSize,
			ChunkSize:  meta.ChunkSize,
			ChunkCount: meta.ChunkCount,
			Status:     status.String(),
		})
		r.report(err, meta.TransferID, "Failed to record transfer start")
	case transfer.StatusComplete:
		transferID := r.session.TransferID()
		r.report(r.store.UpdateTransferStatus(transferID, TransferStatusComplete, ""), transferID, "Failed to record transfer completion")
	}
}

func (r *Recorder) ProgressChanged(int) {}

func (r *Recorder) FileReceived(transfer.ReceivedFile) {}

func (r *Recorder) TransferFailed(err *transfer.Error) {
	if err.TransferID == "" {
		return
	}
	updateErr := r.store.UpdateTransferStatus(err.TransferID, TransferStatusFailed, err.Kind.String())
	r.report(updateErr, err.TransferID, "Failed to record transfer failure")
}

func (r *Recorder) report(err error, transferID, msg string) {
	if err == nil {
		return
	}
	r.log.WithFields(logrus.Fields{
		"function":    "Recorder",
		"transfer_id": transferID,
	}).WithError(err).Warn(msg)
}
