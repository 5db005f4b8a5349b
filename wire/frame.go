package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const (
	// Magic is the fixed protocol magic, constant across the wire's lifetime.
	Magic uint16 = 0x4E53
	// Version is the only protocol version this codec speaks.
	Version uint8 = 1
	// HeaderLen is the fixed, packed size of a frame header in bytes.
	HeaderLen = 32
	// DefaultMaxBodyLen bounds body_len absent an override from config.
	DefaultMaxBodyLen = 65536
)

// Flag bits for Header.Flags.
const (
	FlagIsResponse uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1 // reserved; refused if set, see handler
	FlagCompressed uint8 = 1 << 2 // reserved; refused if set, see handler
)

var (
	ErrShortHeader  = errors.New("wire: buffer shorter than header length")
	ErrBadMagic     = errors.New("wire: bad magic")
	ErrBadVersion   = errors.New("wire: unsupported version")
	ErrBadHeaderLen = errors.New("wire: header_len field does not match fixed header size")
	ErrBodyTooLarge = errors.New("wire: body_len exceeds configured maximum")
)

// Header is the decoded form of the 32-byte wire header. Field order here
// mirrors wire order; Encode/Decode are the only places that care about it.
type Header struct {
	Magic      uint16
	Version    uint8
	Flags      uint8
	HeaderLen  uint16
	BodyLen    uint32
	Opcode     Opcode
	Status     Status
	RequestID  uint64
	Checksum   uint32
	// Reserved is 6 zero bytes, carried through for round-trip fidelity.
	Reserved [6]byte
}

// Build assembles a complete header for the given flags/opcode/status/req id
// and body, computing header_len, body_len and the checksum over
// header-with-checksum-zeroed ∥ body. The returned slice is HeaderLen bytes.
func Build(flags uint8, opcode Opcode, status Status, reqID uint64, body []byte) []byte {
	h := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(h[0:2], Magic)
	h[2] = Version
	h[3] = flags
	binary.BigEndian.PutUint16(h[4:6], HeaderLen)
	binary.BigEndian.PutUint32(h[6:10], uint32(len(body)))
	binary.BigEndian.PutUint16(h[10:12], uint16(opcode))
	binary.BigEndian.PutUint16(h[12:14], uint16(status))
	binary.BigEndian.PutUint64(h[14:22], reqID)
	// checksum field h[22:26] left zero for the CRC pass
	// h[26:32] reserved, already zero

	cksum := checksum(h, body)
	binary.BigEndian.PutUint32(h[22:26], cksum)
	return h
}

// checksum computes CRC32/IEEE (reflected, poly 0xEDB88320, init/xor
// 0xFFFFFFFF) over header (with the checksum field zeroed) concatenated with
// body. hash/crc32.IEEE is exactly this polynomial; see DESIGN.md for why
// this one piece of the codec stays on stdlib.
func checksum(headerWithZeroedCksum []byte, body []byte) uint32 {
	c := crc32.NewIEEE()
	c.Write(headerWithZeroedCksum)
	c.Write(body)
	return c.Sum32()
}

// DecodeHeader parses a HeaderLen-byte slice into a Header without any
// validation beyond having enough bytes.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, ErrShortHeader
	}
	h.Magic = binary.BigEndian.Uint16(buf[0:2])
	h.Version = buf[2]
	h.Flags = buf[3]
	h.HeaderLen = binary.BigEndian.Uint16(buf[4:6])
	h.BodyLen = binary.BigEndian.Uint32(buf[6:10])
	h.Opcode = Opcode(binary.BigEndian.Uint16(buf[10:12]))
	h.Status = Status(binary.BigEndian.Uint16(buf[12:14]))
	h.RequestID = binary.BigEndian.Uint64(buf[14:22])
	h.Checksum = binary.BigEndian.Uint32(buf[22:26])
	copy(h.Reserved[:], buf[26:32])
	return h, nil
}

// ValidateBasic checks magic, version, header-length equality and
// body-length bound, without touching the checksum.
func ValidateBasic(buf []byte, maxBodyLen uint32) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != Version {
		return ErrBadVersion
	}
	if h.HeaderLen != HeaderLen {
		return ErrBadHeaderLen
	}
	if h.BodyLen > maxBodyLen {
		return ErrBodyTooLarge
	}
	return nil
}

// ValidateChecksum recomputes the CRC32 over the header (checksum field
// zeroed) ∥ body and compares it against the header's stored checksum.
func ValidateChecksum(buf []byte, body []byte) bool {
	if len(buf) < HeaderLen {
		return false
	}
	zeroed := make([]byte, HeaderLen)
	copy(zeroed, buf[:HeaderLen])
	binary.BigEndian.PutUint32(zeroed[22:26], 0)
	want := binary.BigEndian.Uint32(buf[22:26])
	got := checksum(zeroed, body)
	return got == want
}

// Encode builds a complete frame (header ∥ body) ready to write to the wire.
func Encode(flags uint8, opcode Opcode, status Status, reqID uint64, body []byte) []byte {
	h := Build(flags, opcode, status, reqID, body)
	out := make([]byte, 0, len(h)+len(body))
	out = append(out, h...)
	out = append(out, body...)
	return out
}
