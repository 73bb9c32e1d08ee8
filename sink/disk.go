// Package sink persists received files.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"peerdrop/transfer"
)

const fallbackFileName = "file.bin"

// TransferStore records where a received file ended up. *storage.Store
// satisfies it.
type TransferStore interface {
	SetStoredFile(transferID, storedPath, checksum, mimeType string) error
}

// StoredFile describes a received file after it was written.
type StoredFile struct {
	TransferID string
	Path       string
	Size       uint64
	Checksum   string
	MimeType   string
}

// Options configures a Disk sink.
type Options struct {
	// Store, when set, gets the stored path, checksum and mime type.
	Store TransferStore
	// OnStored is called after each file is written.
	OnStored func(StoredFile)
	Logger   logrus.FieldLogger
}

// Disk writes every received file under one directory. It implements
// transfer.Observer; only FileReceived does anything.
type Disk struct {
	dir      string
	store    TransferStore
	onStored func(StoredFile)
	log      logrus.FieldLogger
}

// NewDisk creates dir if needed.
func NewDisk(dir string, options Options) (*Disk, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("files directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create files directory: %w", err)
	}
	log := options.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Disk{
		dir:      dir,
		store:    options.Store,
		onStored: options.OnStored,
		log:      log,
	}, nil
}

// Save writes file to <dir>/<transferID>_<name>. The bytes go to a .part
// file first and are renamed into place once fully written.
func (d *Disk) Save(file transfer.ReceivedFile) (StoredFile, error) {
	finalPath := filepath.Join(d.dir, prefixedFilename(file.TransferID, file.Name))
	tempPath := finalPath + ".part"

	if err := writeFileSync(tempPath, file.Bytes); err != nil {
		_ = os.Remove(tempPath)
		return StoredFile{}, err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return StoredFile{}, fmt.Errorf("move received file into place: %w", err)
	}

	sum := sha256.Sum256(file.Bytes)
	stored := StoredFile{
		TransferID: file.TransferID,
		Path:       finalPath,
		Size:       uint64(len(file.Bytes)),
		Checksum:   hex.EncodeToString(sum[:]),
		MimeType:   mimetype.Detect(file.Bytes).String(),
	}

	if d.store != nil {
		if err := d.store.SetStoredFile(stored.TransferID, stored.Path, stored.Checksum, stored.MimeType); err != nil {
			return stored, fmt.Errorf("record stored file: %w", err)
		}
	}
	return stored, nil
}

func (d *Disk) FileReceived(file transfer.ReceivedFile) {
	log := d.log.WithFields(logrus.Fields{
		"function":    "Disk.FileReceived",
		"transfer_id": file.TransferID,
		"name":        file.Name,
	})

	stored, err := d.Save(file)
	if err != nil {
		log.WithError(err).Error("Failed to store received file")
		if stored.Path == "" {
			return
		}
	} else {
		log.WithFields(logrus.Fields{
			"path":      stored.Path,
			"mime_type": stored.MimeType,
		}).Info("Stored received file")
	}

	if d.onStored != nil {
		d.onStored(stored)
	}
}

func (d *Disk) StatusChanged(transfer.Status)  {}
func (d *Disk) ProgressChanged(int)            {}
func (d *Disk) TransferFailed(*transfer.Error) {}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

func prefixedFilename(transferID, name string) string {
	return sanitizeFilename(transferID) + "_" + sanitizeFilename(name)
}

// sanitizeFilename keeps only the last path element of a peer-supplied name
// and strips characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "/" || base == "." || base == ".." {
		return fallbackFileName
	}

	base = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, base)
	base = strings.Trim(strings.TrimSpace(base), ".")

	if base == "" {
		return fallbackFileName
	}
	return base
}
