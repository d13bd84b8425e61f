package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the one-byte tag that opens every packet on the wire.
type PacketType uint8

const (
	TypeRequestSpawn   PacketType = 0x00
	TypeSpawn          PacketType = 0x01
	TypeDespawn        PacketType = 0x02
	TypePositionUpdate PacketType = 0x03
)

// Fixed packet sizes, tag byte included. The protocol carries no length prefix so
// these sizes are the only framing information available to a reader.
const (
	RequestSpawnSize   = 1
	SpawnSize          = 7
	DespawnSize        = 2
	PositionUpdateSize = 6

	// MaxPacketSize is the largest fixed size of any packet type.
	MaxPacketSize = SpawnSize
)

var (
	// ErrTruncatedPacket reports that fewer bytes are buffered than the tag requires.
	// Readers keep the bytes and retry once more data arrives.
	ErrTruncatedPacket = errors.New("truncated packet")
	// ErrUnknownPacketType reports a tag outside the closed packet set. The stream
	// can no longer be framed once this happens.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

func (t PacketType) String() string {
	switch t {
	case TypeRequestSpawn:
		return "request_spawn"
	case TypeSpawn:
		return "spawn"
	case TypeDespawn:
		return "despawn"
	case TypePositionUpdate:
		return "position_update"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Size returns the fixed wire size for the tag and whether the tag is known.
func (t PacketType) Size() (int, bool) {
	switch t {
	case TypeRequestSpawn:
		return RequestSpawnSize, true
	case TypeSpawn:
		return SpawnSize, true
	case TypeDespawn:
		return DespawnSize, true
	case TypePositionUpdate:
		return PositionUpdateSize, true
	default:
		return 0, false
	}
}

// AvatarID identifies an avatar on the wire. Valid identifiers are positive.
type AvatarID int8

// Packet is a decoded protocol message. Fields that the packet type does not carry
// are left at their zero value, which keeps packets comparable with ==.
type Packet struct {
	Type     PacketType
	AvatarID AvatarID
	Owner    bool
	X        int16
	Y        int16
}

// RequestSpawn builds the client request for a new avatar.
func RequestSpawn() Packet { return Packet{Type: TypeRequestSpawn} }

// Spawn announces an avatar; owner is set only on the copy sent to its controller.
func Spawn(id AvatarID, owner bool, x, y int16) Packet {
	return Packet{Type: TypeSpawn, AvatarID: id, Owner: owner, X: x, Y: y}
}

// Despawn announces that an avatar left.
func Despawn(id AvatarID) Packet { return Packet{Type: TypeDespawn, AvatarID: id} }

// PositionUpdate reports the latest position of an avatar.
func PositionUpdate(id AvatarID, x, y int16) Packet {
	return Packet{Type: TypePositionUpdate, AvatarID: id, X: x, Y: y}
}

// Size returns the encoded size of the packet.
func (p Packet) Size() int {
	size, ok := p.Type.Size()
	if !ok {
		return 0
	}
	return size
}

// Append encodes the packet onto dst. Encoding never fails for the known packet
// types; a packet with an unknown type is a programming error and panics.
func (p Packet) Append(dst []byte) []byte {
	switch p.Type {
	case TypeRequestSpawn:
		return append(dst, byte(TypeRequestSpawn))
	case TypeSpawn:
		dst = append(dst, byte(TypeSpawn), byte(p.AvatarID), ownerFlag(p.Owner))
		dst = binary.BigEndian.AppendUint16(dst, uint16(p.X))
		return binary.BigEndian.AppendUint16(dst, uint16(p.Y))
	case TypeDespawn:
		return append(dst, byte(TypeDespawn), byte(p.AvatarID))
	case TypePositionUpdate:
		dst = append(dst, byte(TypePositionUpdate), byte(p.AvatarID))
		dst = binary.BigEndian.AppendUint16(dst, uint16(p.X))
		return binary.BigEndian.AppendUint16(dst, uint16(p.Y))
	default:
		panic(fmt.Sprintf("protocol: cannot encode %s", p.Type))
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Packet) MarshalBinary() ([]byte, error) {
	if _, ok := p.Type.Size(); !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, uint8(p.Type))
	}
	return p.Append(make([]byte, 0, p.Size())), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The buffer must hold
// exactly one packet.
func (p *Packet) UnmarshalBinary(data []byte) error {
	decoded, n, err := Decode(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("protocol: %d trailing bytes after %s", len(data)-n, decoded.Type)
	}
	*p = decoded
	return nil
}

// Encode returns the wire form of a single packet.
func Encode(p Packet) []byte {
	return p.Append(make([]byte, 0, p.Size()))
}

// EncodeAll concatenates the wire form of several packets into one buffer.
func EncodeAll(packets ...Packet) []byte {
	size := 0
	for _, p := range packets {
		size += p.Size()
	}
	buf := make([]byte, 0, size)
	for _, p := range packets {
		buf = p.Append(buf)
	}
	return buf
}

// Decode reads one packet from the start of buf and reports how many bytes it
// consumed. Either every field is produced or an error is returned and nothing
// is consumed.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, ErrTruncatedPacket
	}
	tag := PacketType(buf[0])
	size, ok := tag.Size()
	if !ok {
		return Packet{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, uint8(tag))
	}
	if len(buf) < size {
		return Packet{}, 0, ErrTruncatedPacket
	}
	switch tag {
	case TypeRequestSpawn:
		return RequestSpawn(), size, nil
	case TypeSpawn:
		return Packet{
			Type:     TypeSpawn,
			AvatarID: AvatarID(int8(buf[1])),
			Owner:    buf[2] != 0,
			X:        int16(binary.BigEndian.Uint16(buf[3:5])),
			Y:        int16(binary.BigEndian.Uint16(buf[5:7])),
		}, size, nil
	case TypeDespawn:
		return Despawn(AvatarID(int8(buf[1]))), size, nil
	default:
		return PositionUpdate(
			AvatarID(int8(buf[1])),
			int16(binary.BigEndian.Uint16(buf[2:4])),
			int16(binary.BigEndian.Uint16(buf[4:6])),
		), size, nil
	}
}

func ownerFlag(owner bool) byte {
	if owner {
		return 1
	}
	return 0
}
