package version

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/mnohosten/strata/pkg/record"
	"github.com/mnohosten/strata/pkg/sstable"
)

// ManifestLog is the durable append-only log of VersionEdits plus,
// periodically, a compressed full snapshot that lets recovery skip
// replaying the whole edit history. It assumes every key in play is a
// record.BytesKey, which is the only concrete Key this engine's dynamic
// record type produces.
type ManifestLog struct {
	fs   afero.Fs
	path string
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// OpenManifestLog prepares a manifest log for the file at path without
// touching the file; the first Append or Snapshot creates it.
func OpenManifestLog(fs afero.Fs, path string) (*ManifestLog, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("version: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("version: new zstd decoder: %w", err)
	}
	return &ManifestLog{fs: fs, path: path, enc: enc, dec: dec}, nil
}

// recordKind tags a manifest log frame so Recover can tell an edit batch
// apart from a snapshot.
type recordKind uint8

const (
	kindEdits recordKind = iota
	kindSnapshot
)

// Append serializes and compresses one batch of edits and appends it to
// the manifest file.
func (m *ManifestLog) Append(edits []VersionEdit) error {
	payload := m.enc.EncodeAll(encodeEdits(edits), nil)
	return m.writeFrame(kindEdits, payload)
}

// Snapshot compresses the entirety of v's table set into one frame,
// superseding every edit frame written before it; Recover only needs to
// replay frames after the last snapshot frame it finds.
func (m *ManifestLog) Snapshot(v *Version) error {
	payload := m.enc.EncodeAll(encodeSnapshot(v), nil)
	f, err := m.fs.OpenFile(m.path, truncFlags, 0o644)
	if err != nil {
		return fmt.Errorf("version: truncate manifest for snapshot: %w", err)
	}
	defer f.Close()
	return writeFrameTo(f, kindSnapshot, payload)
}

func (m *ManifestLog) writeFrame(kind recordKind, payload []byte) error {
	f, err := m.fs.OpenFile(m.path, appendFlags, 0o644)
	if err != nil {
		return fmt.Errorf("version: open manifest: %w", err)
	}
	defer f.Close()
	return writeFrameTo(f, kind, payload)
}

func writeFrameTo(f afero.File, kind recordKind, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := f.Write(header); err != nil {
		return err
	}
	_, err := f.Write(payload)
	return err
}

// Recover replays the manifest file into a fresh Version: the most recent
// snapshot frame seeds the base state, and every edit frame after it is
// applied in order.
func (m *ManifestLog) Recover() (*Version, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if pathErr, ok := err.(interface{ Unwrap() error }); ok {
			_ = pathErr
		}
		return &Version{}, nil
	}

	v := &Version{}
	offset := 0
	for offset+5 <= len(data) {
		kind := recordKind(data[offset])
		length := binary.BigEndian.Uint32(data[offset+1:])
		offset += 5
		if offset+int(length) > len(data) {
			break
		}
		payload := data[offset : offset+int(length)]
		offset += int(length)

		raw, err := m.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("version: decode manifest frame: %w", err)
		}
		switch kind {
		case kindSnapshot:
			v, err = decodeSnapshot(raw)
			if err != nil {
				return nil, err
			}
		case kindEdits:
			edits, err := decodeEdits(raw)
			if err != nil {
				return nil, err
			}
			v = v.Apply(edits)
		}
	}
	return v, nil
}

// --- binary encoding ---

func encodeEdits(edits []VersionEdit) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(len(edits)))
	for _, e := range edits {
		buf = append(buf, byte(e.Kind))
		buf = appendU32(buf, uint32(e.Level))
		buf = appendU32(buf, uint32(e.Ts))
		buf = appendBytes(buf, e.Gen[:])
		buf = encodeScopeInto(buf, e.Scope)
	}
	return buf
}

func decodeEdits(data []byte) ([]VersionEdit, error) {
	r := &reader{data: data}
	n := r.u32()
	edits := make([]VersionEdit, 0, n)
	for i := uint32(0); i < n; i++ {
		var e VersionEdit
		e.Kind = EditKind(r.u8())
		e.Level = int(r.u32())
		e.Ts = record.Timestamp(r.u32())
		copy(e.Gen[:], r.bytes())
		e.Scope = r.scope()
		edits = append(edits, e)
	}
	return edits, r.err
}

func encodeSnapshot(v *Version) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(MaxLevel))
	for l := 0; l < MaxLevel; l++ {
		buf = appendU32(buf, uint32(len(v.Levels[l])))
		for _, s := range v.Levels[l] {
			buf = encodeScopeInto(buf, s)
		}
	}
	buf = appendU32(buf, uint32(v.ts))
	return buf
}

func decodeSnapshot(data []byte) (*Version, error) {
	r := &reader{data: data}
	v := &Version{}
	levels := r.u32()
	for l := uint32(0); l < levels && int(l) < MaxLevel; l++ {
		count := r.u32()
		scopes := make([]Scope, 0, count)
		for i := uint32(0); i < count; i++ {
			scopes = append(scopes, r.scope())
		}
		v.Levels[l] = scopes
	}
	v.ts = record.Timestamp(r.u32())
	return v, r.err
}

func encodeScopeInto(buf []byte, s Scope) []byte {
	buf = appendBytes(buf, toBytes(s.Min))
	buf = appendBytes(buf, toBytes(s.Max))
	buf = appendBytes(buf, s.Gen[:])
	buf = appendU32(buf, uint32(len(s.WalIDs)))
	for _, w := range s.WalIDs {
		buf = appendBytes(buf, w[:])
	}
	return buf
}

func toBytes(k record.Key) []byte {
	if bk, ok := k.(record.BytesKey); ok {
		return bk
	}
	return nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) u8() byte {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.err = fmt.Errorf("version: truncated manifest frame")
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("version: truncated manifest frame")
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil || r.pos+int(n) > len(r.data) {
		r.err = fmt.Errorf("version: truncated manifest frame")
		return nil
	}
	v := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v
}

func (r *reader) scope() Scope {
	min := append([]byte(nil), r.bytes()...)
	max := append([]byte(nil), r.bytes()...)
	var gen sstable.ID
	copy(gen[:], r.bytes())
	n := r.u32()
	ids := make([]sstable.ID, 0, n)
	for i := uint32(0); i < n; i++ {
		var id sstable.ID
		copy(id[:], r.bytes())
		ids = append(ids, id)
	}
	return Scope{Min: record.BytesKey(min), Max: record.BytesKey(max), Gen: gen, WalIDs: ids}
}
