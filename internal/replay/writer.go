package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

const (
	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	// sequence, captured nanos, payload length
	frameHeaderSize = 8 + 8 + 4
)

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ErrWriterClosed is returned when appending to a closed bundle.
var ErrWriterClosed = errors.New("replay writer closed")

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int64  `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Created parses CreatedAt, returning the zero time when it is malformed.
func (m Manifest) Created() time.Time {
	created, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return created
}

// Writer streams presence events and periodic snapshots into a bundle directory.
type Writer struct {
	mu          sync.Mutex
	dir         string
	label       string
	now         func() time.Time
	started     time.Time
	manifest    Manifest
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	events      int
	frames      int
	lastSeq     uint64
	closed      bool
}

// NewWriter creates <root>/<label>-<timestamp>/ and opens the compressed sinks.
func NewWriter(root, label string, frameInterval time.Duration, clock func() time.Time) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := labelCleaner.ReplaceAllString(label, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: frameInterval.Milliseconds(),
		EventsPath:      eventsName,
		FramesPath:      framesName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestName), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventFile.Close()
		return nil, err
	}

	return &Writer{
		dir:         path,
		label:       cleaned,
		now:         clock,
		started:     created,
		manifest:    manifest,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Manifest returns the layout written when the bundle was created.
func (w *Writer) Manifest() Manifest {
	return w.manifest
}

// Counts reports how many events and frames have been appended.
func (w *Writer) Counts() (events, frames int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.frames
}

// AppendEvent writes one JSON line to the event log.
func (w *Writer) AppendEvent(evt events.Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	if evt.Sequence > w.lastSeq {
		w.lastSeq = evt.Sequence
	}
	return nil
}

// AppendFrame writes a full snapshot. The payload is the wire encoding of one
// Spawn packet per avatar, so a Receive Framer reads it back unchanged.
func (w *Writer) AppendFrame(seq uint64, avatars []session.AvatarState) error {
	payload := EncodeSnapshot(avatars)
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], seq)
	binary.BigEndian.PutUint64(header[8:16], uint64(captured.UnixNano()))
	binary.BigEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := w.frameStream.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.frameStream.Write(payload); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Flush pushes buffered events and frames to disk without closing the bundle.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.eventStream.Flush(); err != nil {
		return err
	}
	return w.frameStream.Flush()
}

// Close writes the header, flushes every buffer and releases file handles.
// Calling Close again is a no-op.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush/close and surface the first failure for callers to inspect.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())

	//2.- The header goes last so its presence means the bundle is complete.
	keep(WriteHeader(filepath.Join(w.dir, headerName), Header{
		SchemaVersion: HeaderSchemaVersion,
		Label:         w.label,
		StartedAt:     w.started,
		ClosedAt:      w.now().UTC(),
		Events:        w.events,
		Frames:        w.frames,
		LastSequence:  w.lastSeq,
		FilePointer:   manifestName,
	}))
	return firstErr
}

// EncodeSnapshot renders avatars as back-to-back non-owner Spawn packets.
func EncodeSnapshot(avatars []session.AvatarState) []byte {
	packets := make([]protocol.Packet, len(avatars))
	for i, avatar := range avatars {
		packets[i] = protocol.Spawn(avatar.ID, false, avatar.X, avatar.Y)
	}
	return protocol.EncodeAll(packets...)
}
