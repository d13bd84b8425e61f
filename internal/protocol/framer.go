package protocol

import "errors"

// compactThreshold is how many consumed bytes may sit in front of the read cursor
// before the accumulator is shifted down.
const compactThreshold = 4 << 10

// Framer recovers packet boundaries from an arbitrarily chunked byte stream.
// It is not safe for concurrent use; each connection owns its own Framer.
type Framer struct {
	buf []byte
	off int
	err error
}

// Feed appends freshly received bytes. The slice is copied so callers may reuse it.
func (f *Framer) Feed(data []byte) {
	if len(data) == 0 || f.err != nil {
		return
	}
	f.compact()
	f.buf = append(f.buf, data...)
}

// Next decodes the packet at the read cursor. ok is false when the buffered bytes
// do not yet hold a complete packet; those bytes stay buffered for the next Feed.
// A non-nil error means the stream is desynchronised and the framer stays failed.
func (f *Framer) Next() (pkt Packet, ok bool, err error) {
	if f.err != nil {
		return Packet{}, false, f.err
	}
	pkt, n, err := Decode(f.buf[f.off:])
	if err != nil {
		if errors.Is(err, ErrTruncatedPacket) {
			return Packet{}, false, nil
		}
		f.err = err
		return Packet{}, false, err
	}
	f.off += n
	return pkt, true, nil
}

// Drain decodes every complete packet currently buffered and hands each one to fn
// in order. It stops at the first partial packet, at a desync, or when fn fails.
func (f *Framer) Drain(fn func(Packet) error) error {
	for {
		pkt, ok, err := f.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(pkt); err != nil {
			return err
		}
	}
}

// Buffered reports how many received bytes have not been consumed yet.
func (f *Framer) Buffered() int { return len(f.buf) - f.off }

// Err returns the desync error that poisoned the framer, if any.
func (f *Framer) Err() error { return f.err }

func (f *Framer) compact() {
	switch {
	case f.off == 0:
		return
	case f.off == len(f.buf):
		f.buf = f.buf[:0]
		f.off = 0
	case f.off >= compactThreshold:
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
}
