// Package wal implements the write-ahead log that makes mutable-table
// writes durable before they are acknowledged. Records are framed with a
// small header and may be split into chunks when they exceed the log's
// buffer size, the same chunking split a block-structured log uses to
// keep individual writes bounded.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

const fileOpenFlags = os.O_CREATE | os.O_RDWR | os.O_APPEND

// LogKind tags each physical frame written to the log so Replay can
// reassemble a logical record that spanned more than one frame.
type LogKind uint8

const (
	// Full means this single frame is the entire logical record.
	Full LogKind = iota
	// FirstChunk opens a multi-frame record.
	FirstChunk
	// MiddleChunk continues a multi-frame record.
	MiddleChunk
	// LastChunk closes a multi-frame record.
	LastChunk
)

func (k LogKind) String() string {
	switch k {
	case Full:
		return "full"
	case FirstChunk:
		return "first"
	case MiddleChunk:
		return "middle"
	case LastChunk:
		return "last"
	default:
		return "unknown"
	}
}

// frameHeaderSize is [1-byte kind][4-byte payload length].
const frameHeaderSize = 5

// maxFrameSize bounds a single physical frame; logical records larger than
// this are split across FirstChunk/MiddleChunk*/LastChunk frames.
const maxFrameSize = 32 * 1024

// Config holds WAL construction parameters.
type Config struct {
	Dir string
}

// DefaultConfig uses dir, as given, as the log directory.
func DefaultConfig(dir string) *Config {
	return &Config{Dir: dir}
}

// ID is the sortable, content-free identifier assigned to a WAL segment
// file, generated fresh on each rotation.
type ID = ulid.ULID

// NewID allocates a new WAL segment id.
func NewID() ID {
	return ulid.Make()
}

// WAL is a single append-only segment file plus the in-memory state needed
// to split and reassemble oversize records.
type WAL struct {
	fs   afero.Fs
	path string
	id   ID

	mu   sync.Mutex
	file afero.File
}

// Open creates or reopens the segment file at <dir>/<id>.wal.
func Open(fs afero.Fs, dir string, id ID) (*WAL, error) {
	path := fmt.Sprintf("%s/%s.wal", dir, id.String())
	f, err := fs.OpenFile(path, fileOpenFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{fs: fs, path: path, id: id, file: f}, nil
}

// ID returns this segment's identifier.
func (w *WAL) ID() ID { return w.id }

// Append writes payload as one or more frames and returns once they have
// been written to the underlying file (not necessarily fsynced; call
// Flush for that).
func (w *WAL) Append(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(payload) <= maxFrameSize {
		return w.writeFrame(Full, payload)
	}

	offset := 0
	for offset < len(payload) {
		end := offset + maxFrameSize
		if end > len(payload) {
			end = len(payload)
		}
		var kind LogKind
		switch {
		case offset == 0:
			kind = FirstChunk
		case end == len(payload):
			kind = LastChunk
		default:
			kind = MiddleChunk
		}
		if err := w.writeFrame(kind, payload[offset:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (w *WAL) writeFrame(kind LogKind, payload []byte) error {
	header := make([]byte, frameHeaderSize)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("wal: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.file.Write(payload); err != nil {
			return fmt.Errorf("wal: write frame payload: %w", err)
		}
	}
	return nil
}

// Flush fsyncs the segment file, the durability boundary the mutable
// table waits on before acknowledging a write.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.file.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.file.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return w.file.Close()
}

// Replay reads every logical record from the segment in order, joining
// chunked frames before handing them to fn. A Full frame is treated as a
// single-entry chunk run of length one. Replay stops at the first
// truncated trailing frame, which is treated as a normal end of log
// rather than an error, since a crash can leave a partially written frame.
func Replay(fs afero.Fs, path string, fn func(record []byte) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s for replay: %w", path, err)
	}
	defer f.Close()

	var pending []byte
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("wal: read frame header: %w", err)
		}
		kind := LogKind(header[0])
		length := binary.BigEndian.Uint32(header[1:])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(f, payload); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil
				}
				return fmt.Errorf("wal: read frame payload: %w", err)
			}
		}

		switch kind {
		case Full:
			if err := fn(payload); err != nil {
				return err
			}
		case FirstChunk:
			pending = append([]byte(nil), payload...)
		case MiddleChunk:
			pending = append(pending, payload...)
		case LastChunk:
			pending = append(pending, payload...)
			if err := fn(pending); err != nil {
				return err
			}
			pending = nil
		default:
			return fmt.Errorf("wal: unknown frame kind %d", kind)
		}
	}
}
