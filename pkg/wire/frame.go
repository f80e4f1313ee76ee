// Package wire defines the frame format exchanged over convergence
// layers: a small fixed header followed by a format-prefixed payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"dtnmesh/pkg/wire/codec"
)

// Kind discriminates frame payloads.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindContact      // signed node-EID announcement, first frame on a session
	KindBundle       // encoded bundle
	KindAck          // receipt for a bundle frame
	KindKeepalive    // liveness probe, empty payload
)

func (k Kind) String() string {
	switch k {
	case KindContact:
		return "contact"
	case KindBundle:
		return "bundle"
	case KindAck:
		return "ack"
	case KindKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Flags bitmask.
const (
	FlagAckRequested uint16 = 1 << 0 // sender wants a KindAck reply
)

const (
	// Version is the current frame format revision.
	Version uint8 = 1

	headerSize = 8

	// MaxPayload bounds a single frame payload.
	MaxPayload = 1 << 24
)

// Header is the fixed 8-byte frame prefix (little-endian):
// version(1) kind(1) flags(2) payload_len(4).
type Header struct {
	Version    uint8
	Kind       Kind
	Flags      uint16
	PayloadLen uint32
}

func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, headerSize)
	b[0] = h.Version
	b[1] = byte(h.Kind)
	binary.LittleEndian.PutUint16(b[2:4], h.Flags)
	binary.LittleEndian.PutUint32(b[4:8], h.PayloadLen)
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return io.ErrUnexpectedEOF
	}
	h.Version = b[0]
	h.Kind = Kind(b[1])
	h.Flags = binary.LittleEndian.Uint16(b[2:4])
	h.PayloadLen = binary.LittleEndian.Uint32(b[4:8])
	if h.Version != Version {
		return fmt.Errorf("unsupported frame version %d", h.Version)
	}
	if h.PayloadLen > MaxPayload {
		return fmt.Errorf("frame payload too large: %d", h.PayloadLen)
	}
	return nil
}

// Frame is a header + payload wrapper for a single transfer.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a frame of kind k with the given payload.
func NewFrame(k Kind, payload []byte) Frame {
	return Frame{
		Header:  Header{Version: Version, Kind: k, PayloadLen: uint32(len(payload))},
		Payload: payload,
	}
}

// HasFlag checks whether a flag is set.
func (f *Frame) HasFlag(flag uint16) bool { return (f.Header.Flags & flag) != 0 }

// SetFlag sets/unsets a flag.
func (f *Frame) SetFlag(flag uint16, on bool) {
	if on {
		f.Header.Flags |= flag
	} else {
		f.Header.Flags &^= flag
	}
}

// WriteTo writes header + payload to w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	f.Header.Version = Version
	f.Header.PayloadLen = uint32(len(f.Payload))
	hb, err := f.Header.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n1, err := w.Write(hb)
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(f.Payload)
	return int64(n1 + n2), err
}

// ReadFrom reads header + payload from r.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	hb := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return 0, err
	}
	if err := f.Header.UnmarshalBinary(hb); err != nil {
		return 0, err
	}
	if f.Header.PayloadLen > 0 {
		f.Payload = make([]byte, int(f.Header.PayloadLen))
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return 0, err
		}
	} else {
		f.Payload = nil
	}
	return int64(headerSize + int(f.Header.PayloadLen)), nil
}

// EncodeFrame returns header + payload as a single byte slice, the unit
// datagram convergence layers put on the wire.
func (f *Frame) EncodeFrame() ([]byte, error) {
	f.Header.Version = Version
	f.Header.PayloadLen = uint32(len(f.Payload))
	hb, err := f.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize+len(f.Payload))
	copy(out, hb)
	copy(out[headerSize:], f.Payload)
	return out, nil
}

// DecodeFrame parses a single frame from buf.
func (f *Frame) DecodeFrame(buf []byte) error {
	if len(buf) < headerSize {
		return io.ErrUnexpectedEOF
	}
	if err := f.Header.UnmarshalBinary(buf[:headerSize]); err != nil {
		return err
	}
	need := int(f.Header.PayloadLen)
	if headerSize+need > len(buf) {
		return io.ErrUnexpectedEOF
	}
	f.Payload = append(f.Payload[:0], buf[headerSize:headerSize+need]...)
	return nil
}

// Format is a compact on-wire indicator of payload encoding, carried as
// the first byte of a frame payload.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}

// CodecFor returns a codec instance for a given format, constructing a
// default one when the registry has no entry.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f {
	case FormatJSON:
		if c := r.Get(FormatJSON.String()); c != nil {
			return c, nil
		}
		return codec.JSON(), nil
	case FormatCBOR:
		if c := r.Get(FormatCBOR.String()); c != nil {
			return c, nil
		}
		return codec.CBOR()
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

// EncodeBody serializes v using the codec for f and prefixes the result
// with a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v and
// returns the detected format.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}

// AckPayload is the body of a KindAck frame.
type AckPayload struct {
	ID     string `cbor:"1,keyasint" json:"id"`
	OK     bool   `cbor:"2,keyasint" json:"ok"`
	Reason string `cbor:"3,keyasint" json:"reason,omitempty"`
}
