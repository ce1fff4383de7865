package checkpoint

import (
	"aggregator/pkg/store"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileName = "checkpoint.json"
	version  = 1
)

var ErrCorrupt = errors.New("checkpoint: corrupt file")

// Image is the durable form of the aggregated view plus the clock state.
type Image struct {
	Version int    `json:"version"`
	Clock   uint64 `json:"clock"`
	// LastSeq is the last log sequence number folded into this image.
	LastSeq   uint64        `json:"last_seq"`
	CreatedAt time.Time     `json:"created_at"`
	Records   []RecordImage `json:"records"`
}

// RecordImage is the durable form of store.Record.
type RecordImage struct {
	SourceID     string    `json:"source_id"`
	Payload      []byte    `json:"payload"`
	LogicalClock uint64    `json:"logical_clock"`
	SenderClock  uint64    `json:"sender_clock"`
	LastContact  time.Time `json:"last_contact"`
}

// FromView builds an image of view covering log entries up to lastSeq.
func FromView(view store.View, lastSeq uint64, now time.Time) Image {
	img := Image{
		Version:   version,
		Clock:     view.Clock,
		LastSeq:   lastSeq,
		CreatedAt: now.UTC(),
		Records:   make([]RecordImage, 0, len(view.Records)),
	}
	for _, r := range view.Records {
		img.Records = append(img.Records, RecordImage{
			SourceID:     r.SourceID,
			Payload:      r.Payload,
			LogicalClock: r.LogicalClock,
			SenderClock:  r.SenderClock,
			LastContact:  r.LastContact,
		})
	}
	return img
}

// View converts the image back to store records.
func (img Image) View() store.View {
	view := store.View{Clock: img.Clock, Records: make([]store.Record, 0, len(img.Records))}
	for _, r := range img.Records {
		view.Records = append(view.Records, store.Record{
			SourceID:     r.SourceID,
			Payload:      r.Payload,
			LogicalClock: r.LogicalClock,
			SenderClock:  r.SenderClock,
			LastContact:  r.LastContact,
		})
	}
	return view
}

// Checkpoint manages the checkpoint file of a data directory.
type Checkpoint struct {
	mu       sync.Mutex
	filePath string
}

func New(dataDir string) *Checkpoint {
	return &Checkpoint{
		filePath: filepath.Join(dataDir, fileName),
	}
}

func (c *Checkpoint) Path() string {
	return c.filePath
}

// Load reads the checkpoint. A missing file yields an empty image and false.
func (c *Checkpoint) Load() (Image, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Image{Version: version}, false, nil
		}
		return Image{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	img, err := decode(data)
	if err != nil {
		return Image{}, false, err
	}
	return img, true, nil
}

// Save replaces the checkpoint atomically: the image is written to a temp
// file, synced, and renamed over the previous one.
func (c *Checkpoint) Save(img Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return writeFileAtomic(c.filePath, data)
}

func decode(data []byte) (Image, error) {
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if img.Version != version {
		return Image{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, img.Version)
	}
	return img, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to install %s: %w", path, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
