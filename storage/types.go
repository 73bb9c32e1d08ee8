package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

var validate = validator.New()

const (
	// TransferStatusSending marks an outbound transfer in flight.
	TransferStatusSending = "sending"
	// TransferStatusReceiving marks an inbound transfer in flight.
	TransferStatusReceiving = "receiving"
	// TransferStatusComplete marks a transfer whose last chunk was delivered.
	TransferStatusComplete = "complete"
	// TransferStatusFailed marks a transfer that ended with an error kind.
	TransferStatusFailed = "failed"
)

const (
	directionSend    = "send"
	directionReceive = "receive"
)

const (
	// KeyRotationDecisionTrusted means a presented replacement key was accepted.
	KeyRotationDecisionTrusted = "trusted"
	// KeyRotationDecisionRejected means a presented replacement key was rejected.
	KeyRotationDecisionRejected = "rejected"
)

// Peer is the SQLite representation of a known remote device.
type Peer struct {
	DeviceID          string `validate:"required"`
	DeviceName        string `validate:"required"`
	Ed25519PublicKey  string `validate:"required"`
	KeyFingerprint    string `validate:"required"`
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownAddress  *string
}

// KeyRotationEvent tracks one trust/reject decision for a peer key change.
type KeyRotationEvent struct {
	ID                int64
	PeerDeviceID      string `validate:"required"`
	OldKeyFingerprint string `validate:"required"`
	NewKeyFingerprint string `validate:"required"`
	Decision          string `validate:"oneof=trusted rejected"`
	Timestamp         int64
}

type scanner interface {
	Scan(dest ...any) error
}

// collect scans every row and closes rows.
func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func validateRow(kind string, row any) error {
	if err := validate.Struct(row); err != nil {
		return fmt.Errorf("invalid %s: %w", kind, err)
	}
	return nil
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusSending, TransferStatusReceiving, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case directionSend, directionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil || *ptr == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	value := ni.Int64
	return &value
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
