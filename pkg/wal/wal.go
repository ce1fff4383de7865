package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileName = "wal.log"

	// length (4 bytes) + checksum (4 bytes)
	headerSize = 8
	// seq, kind, clock, sender clock, time, id len, payload len
	fixedBodySize = 8 + 1 + 8 + 8 + 8 + 4 + 4

	maxEntrySize = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Kind distinguishes log records.
type Kind uint8

const (
	KindUpsert Kind = iota + 1
	// KindExpire records the removal of a silent source.
	KindExpire
)

func (k Kind) String() string {
	switch k {
	case KindUpsert:
		return "upsert"
	case KindExpire:
		return "expire"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry represents a single store mutation.
type Entry struct {
	SeqNum      uint64
	Kind        Kind
	SourceID    string
	Payload     []byte
	Clock       uint64
	SenderClock uint64
	// UnixNano is the last-contact time for upserts.
	UnixNano int64
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Entries int
	Skipped int
	// TruncatedBytes is the size of the discarded corrupt tail.
	TruncatedBytes int64
}

// WAL implements write-ahead logging
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	// size is the length of the durable, well-formed prefix.
	size int64
}

// New opens (or creates) the log in dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		size:     stat.Size(),
	}, nil
}

// Append writes entry and fsyncs it. When Append fails the file is rolled
// back to the previous durable size so a half-written record never precedes
// later ones.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	frame, err := encode(entry)
	if err != nil {
		return err
	}

	if err := w.writeFrame(frame); err != nil {
		w.rollback()
		return err
	}

	w.size += int64(len(frame))
	return nil
}

func (w *WAL) writeFrame(frame []byte) error {
	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

func (w *WAL) rollback() {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(w.size); err != nil {
		slog.Error("failed to roll back partial WAL write", "path", w.filePath, "size", w.size, "error", err)
	}
}

// Replay calls callback for every entry with SeqNum >= start, in file order.
// A torn or corrupt record ends the replay: the file is truncated to the
// valid prefix and the rest of the log is still applied.
func (w *WAL) Replay(start uint64, callback func(Entry) error) (ReplayStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var stats ReplayStats
	if w.writer == nil {
		return stats, ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return stats, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	total, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return stats, fmt.Errorf("failed to size WAL: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return stats, fmt.Errorf("failed to rewind WAL: %w", err)
	}

	reader := bufio.NewReader(file)
	var offset int64

	for {
		entry, n, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			stats.TruncatedBytes = total - offset
			slog.Warn("discarding corrupt WAL tail",
				"path", w.filePath, "offset", offset, "bytes", stats.TruncatedBytes, "error", err)
			if err := w.truncate(offset); err != nil {
				return stats, err
			}
			break
		}
		offset += n

		if entry.SeqNum < start {
			stats.Skipped++
			continue
		}
		if err := callback(entry); err != nil {
			return stats, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		stats.Entries++
	}

	w.size = offset
	return stats, nil
}

// Reset empties the log. It is called once a checkpoint covers every entry.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before reset: %w", err)
	}
	return w.truncate(0)
}

func (w *WAL) truncate(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.writer.Reset(w.file)
	w.size = size
	return nil
}

// Size returns the length of the well-formed log prefix in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Path() string {
	return w.filePath
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// encode frames an entry as [len u32][crc32c u32][body].
func encode(entry Entry) ([]byte, error) {
	if len(entry.SourceID) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: source id too large: %d", ErrEntryTooLarge, len(entry.SourceID))
	}
	bodySize := fixedBodySize + len(entry.SourceID) + len(entry.Payload)
	if bodySize > maxEntrySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, bodySize)
	}

	buf := make([]byte, headerSize, headerSize+bodySize)
	buf = binary.LittleEndian.AppendUint64(buf, entry.SeqNum)
	buf = append(buf, byte(entry.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, entry.Clock)
	buf = binary.LittleEndian.AppendUint64(buf, entry.SenderClock)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(entry.UnixNano))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entry.SourceID)))
	buf = append(buf, entry.SourceID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entry.Payload)))
	buf = append(buf, entry.Payload...)

	body := buf[headerSize:]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(body, castagnoli))

	return buf, nil
}

// readEntry reads one framed entry and returns it with its size on disk.
// A clean end of file yields io.EOF; anything else means a corrupt tail.
func readEntry(reader *bufio.Reader) (Entry, int64, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(reader, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, fmt.Errorf("%w: short header", ErrCorruptEntry)
	}

	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size < fixedBodySize || size > maxEntrySize {
		return Entry{}, 0, fmt.Errorf("%w: bad length %d", ErrCorruptEntry, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return Entry{}, 0, fmt.Errorf("%w: short body", ErrCorruptEntry)
	}
	if crc32.Checksum(body, castagnoli) != sum {
		return Entry{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}

	entry, err := decodeBody(body)
	if err != nil {
		return Entry{}, 0, err
	}
	return entry, int64(headerSize) + int64(size), nil
}

func decodeBody(body []byte) (Entry, error) {
	var entry Entry
	le := binary.LittleEndian

	entry.SeqNum = le.Uint64(body[0:8])
	entry.Kind = Kind(body[8])
	entry.Clock = le.Uint64(body[9:17])
	entry.SenderClock = le.Uint64(body[17:25])
	entry.UnixNano = int64(le.Uint64(body[25:33]))

	rest := body[33:]
	idLen := int(le.Uint32(rest[0:4]))
	rest = rest[4:]
	if idLen > len(rest)-4 {
		return entry, fmt.Errorf("%w: bad source id length %d", ErrCorruptEntry, idLen)
	}
	entry.SourceID = string(rest[:idLen])
	rest = rest[idLen:]

	payloadLen := int(le.Uint32(rest[0:4]))
	rest = rest[4:]
	if payloadLen != len(rest) {
		return entry, fmt.Errorf("%w: bad payload length %d", ErrCorruptEntry, payloadLen)
	}
	entry.Payload = append([]byte(nil), rest...)

	if entry.Kind != KindUpsert && entry.Kind != KindExpire {
		return entry, fmt.Errorf("%w: unknown kind %d", ErrCorruptEntry, entry.Kind)
	}
	return entry, nil
}
