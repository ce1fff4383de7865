package checkpoint

import (
	"aggregator/pkg/aggerrors"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const backupExt = ".ckpt.zst"

// BackupInfo describes an exported backup file.
type BackupInfo struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	Records int    `json:"records"`
	Clock   uint64 `json:"clock"`
}

// Export writes img, zstd-compressed, to a new file in dir.
func Export(img Image, dir string, now time.Time) (BackupInfo, error) {
	data, err := json.Marshal(img)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to marshal backup: %w", err)
	}

	var buf bytes.Buffer
	counter := &byteCounter{w: &buf}
	if err := compress(bytes.NewReader(data), counter); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to compress backup: %w", err)
	}

	name := fmt.Sprintf("backup-%s-%s%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8], backupExt)
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return BackupInfo{}, err
	}

	return BackupInfo{
		Path:    path,
		Bytes:   counter.Count(),
		Records: len(img.Records),
		Clock:   img.Clock,
	}, nil
}

// ReadBackup decompresses and parses a file written by Export.
func ReadBackup(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := decompress(f, &buf); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return decode(buf.Bytes())
}

// VerifyBackup re-reads the backup at info.Path and checks it holds the
// record count and clock of want.
func VerifyBackup(info BackupInfo, want Image) error {
	got, err := ReadBackup(info.Path)
	if err != nil {
		return err
	}
	if len(got.Records) != len(want.Records) || got.Clock != want.Clock {
		return fmt.Errorf("%w: %s has %d records at clock %d, want %d at clock %d",
			aggerrors.ErrBackupMismatch, info.Path, len(got.Records), got.Clock, len(want.Records), want.Clock)
	}
	return nil
}

func compress(r io.Reader, w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func decompress(r io.Reader, w io.Writer) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	_, err = io.Copy(w, dec)
	return err
}

// byteCounter wraps an io.Writer and counts bytes written
type byteCounter struct {
	w     io.Writer
	count int64
}

func (bc *byteCounter) Write(p []byte) (int, error) {
	n, err := bc.w.Write(p)
	bc.count += int64(n)
	return n, err
}

func (bc *byteCounter) Count() int64 {
	return bc.count
}
