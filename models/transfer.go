package models

import (
	"net"
	"strconv"
)

// Transfer is one file transfer as kept in history.
type Transfer struct {
	TransferID string `json:"transfer_id"`
	Direction  string `json:"direction"`
	Peer       string `json:"peer,omitempty"`
	Name       string `json:"name"`
	Size       uint64 `json:"size"`
	ChunkSize  uint32 `json:"chunk_size"`
	ChunkCount uint32 `json:"chunk_count"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	StoredPath string `json:"stored_path,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
