package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"peerdrop/models"
)

// DefaultHistoryLimit bounds ListTransfers when no limit is given.
const DefaultHistoryLimit = 50

const transferColumns = `
			transfer_id,
			direction,
			peer,
			name,
			size,
			chunk_size,
			chunk_count,
			status,
			error_kind,
			stored_path,
			checksum,
			mime_type,
			created_at,
			updated_at`

// transferRow mirrors one transfers row; sqlite integers are signed.
type transferRow struct {
	TransferID string
	Direction  string
	Peer       string
	Name       string
	Size       int64
	ChunkSize  int64
	ChunkCount int64
	Status     string
	ErrorKind  string
	StoredPath string
	Checksum   string
	MimeType   string
	CreatedAt  int64
	UpdatedAt  int64
}

// SaveTransfer inserts a transfer row, or replaces the row with the same ID.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Name == "" {
		return errors.New("name is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	now := nowUnixMilli()
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = now
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = transfer.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.Peer,
		transfer.Name,
		int64(transfer.Size),
		int64(transfer.ChunkSize),
		int64(transfer.ChunkCount),
		transfer.Status,
		transfer.ErrorKind,
		transfer.StoredPath,
		transfer.Checksum,
		transfer.MimeType,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// UpdateTransferStatus records a status change and, for failures, the error kind.
func (s *Store) UpdateTransferStatus(transferID, status, errorKind string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
		    error_kind = ?,
		    updated_at = ?
		WHERE transfer_id = ?`,
		status,
		errorKind,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	return requireAffected(res, "transfer status", transferID)
}

// SetStoredFile records where a received file was written and what it contains.
func (s *Store) SetStoredFile(transferID, storedPath, checksum, mimeType string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if storedPath == "" {
		return errors.New("stored_path is required")
	}
	if checksum == "" {
		return errors.New("checksum is required")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET stored_path = ?,
		    checksum = ?,
		    mime_type = ?,
		    updated_at = ?
		WHERE transfer_id = ?`,
		storedPath,
		checksum,
		mimeType,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update stored file %q: %w", transferID, err)
	}

	return requireAffected(res, "stored file", transferID)
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	transfer := record.model()
	return &transfer, nil
}

// ListTransfers returns up to limit transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY created_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	records, err := collect(rows, scanTransfer)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return lo.Map(records, func(record *transferRow, _ int) models.Transfer {
		return record.model()
	}), nil
}

func (r transferRow) model() models.Transfer {
	return models.Transfer{
		TransferID: r.TransferID,
		Direction:  r.Direction,
		Peer:       r.Peer,
		Name:       r.Name,
		Size:       uint64(r.Size),
		ChunkSize:  uint32(r.ChunkSize),
		ChunkCount: uint32(r.ChunkCount),
		Status:     r.Status,
		ErrorKind:  r.ErrorKind,
		StoredPath: r.StoredPath,
		Checksum:   r.Checksum,
		MimeType:   r.MimeType,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func scanTransfer(row scanner) (*transferRow, error) {
	var record transferRow
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.Peer,
		&record.Name,
		&record.Size,
		&record.ChunkSize,
		&record.ChunkCount,
		&record.Status,
		&record.ErrorKind,
		&record.StoredPath,
		&record.Checksum,
		&record.MimeType,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

func requireAffected(res sql.Result, what, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", what, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
