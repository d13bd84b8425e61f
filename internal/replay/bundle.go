package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/protocol"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

// Frame is one decoded snapshot from frames.bin.zst.
type Frame struct {
	Sequence   uint64                `json:"seq"`
	CapturedAt time.Time             `json:"captured_at"`
	Avatars    []session.AvatarState `json:"avatars"`
}

// Bundle is a fully loaded replay directory. Header is nil for bundles that were
// never closed.
type Bundle struct {
	Path     string         `json:"path"`
	Manifest Manifest       `json:"manifest"`
	Header   *Header        `json:"header,omitempty"`
	Events   []events.Event `json:"events"`
	Frames   []Frame        `json:"frames"`
}

// ReadBundle loads a replay bundle from disk.
func ReadBundle(path string) (*Bundle, error) {
	manifest, err := readManifest(path)
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{Path: path, Manifest: manifest}

	header, err := ReadHeader(filepath.Join(path, headerName))
	switch {
	case err == nil:
		bundle.Header = &header
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read header: %w", err)
	}

	if bundle.Events, err = loadEvents(filepath.Join(path, manifest.EventsPath)); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if bundle.Frames, err = loadFrames(filepath.Join(path, manifest.FramesPath)); err != nil {
		return nil, fmt.Errorf("load frames: %w", err)
	}
	return bundle, nil
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.EventsPath == "" || manifest.FramesPath == "" {
		return Manifest{}, fmt.Errorf("manifest %s is missing artefact paths", dir)
	}
	return manifest, nil
}

func loadEvents(path string) ([]events.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []events.Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func loadFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return decodeFrames(payload)
}

func decodeFrames(payload []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0
	for offset < len(payload) {
		if offset+frameHeaderSize > len(payload) {
			return nil, fmt.Errorf("frame header truncated at offset %d", offset)
		}
		//1.- Read the fixed header then replay the payload through a framer.
		seq := binary.BigEndian.Uint64(payload[offset : offset+8])
		captured := int64(binary.BigEndian.Uint64(payload[offset+8 : offset+16]))
		size := int(binary.BigEndian.Uint32(payload[offset+16 : offset+20]))
		offset += frameHeaderSize
		if offset+size > len(payload) {
			return nil, fmt.Errorf("frame payload truncated at offset %d", offset)
		}
		avatars, err := DecodeSnapshot(payload[offset : offset+size])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(frames), err)
		}
		offset += size
		frames = append(frames, Frame{Sequence: seq, CapturedAt: time.Unix(0, captured).UTC(), Avatars: avatars})
	}
	return frames, nil
}

// DecodeSnapshot parses a payload written by EncodeSnapshot.
func DecodeSnapshot(payload []byte) ([]session.AvatarState, error) {
	var framer protocol.Framer
	framer.Feed(payload)
	avatars := []session.AvatarState{}
	err := framer.Drain(func(pkt protocol.Packet) error {
		if pkt.Type != protocol.TypeSpawn {
			return fmt.Errorf("unexpected %s packet in snapshot", pkt.Type)
		}
		avatars = append(avatars, session.AvatarState{ID: pkt.AvatarID, X: pkt.X, Y: pkt.Y})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if framer.Buffered() != 0 {
		return nil, protocol.ErrTruncatedPacket
	}
	return avatars, nil
}
