package coreipc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Message header layout, all integers big-endian:
//
//	[1-byte flags]
//	[2-byte receiver length][receiver bytes]
//	[2-byte message length][message bytes]
//	[8-byte destination id]
//	[8-byte sync request id]   present only when FlagSync is set
//	[payload]                  remainder of the frame
//
// Framing (how a frame's boundaries are found on a byte stream) belongs to
// the Adapter. The codec only sees whole frames.

var (
	ErrMalformedHeader = fmt.Errorf("coreipc: malformed message header")
	ErrNameTooLong     = fmt.Errorf("coreipc: receiver or message name too long")
)

const minHeaderSize = 1 + 2 + 2 + 8

// appendEnvelope encodes env onto buf and returns the extended slice.
func appendEnvelope(buf []byte, env *Envelope) ([]byte, error) {
	if len(env.Receiver) > math.MaxUint16 || len(env.Message) > math.MaxUint16 {
		return buf, ErrNameTooLong
	}

	buf = append(buf, byte(env.Flags))
	buf = appendStr(buf, env.Receiver)
	buf = appendStr(buf, env.Message)
	buf = binary.BigEndian.AppendUint64(buf, env.Destination)
	if env.IsSync() {
		buf = binary.BigEndian.AppendUint64(buf, env.SyncRequestID)
	}
	return append(buf, env.Payload...), nil
}

// encodeEnvelope returns a freshly allocated frame for env.
func encodeEnvelope(env *Envelope) ([]byte, error) {
	size := minHeaderSize + len(env.Receiver) + len(env.Message) + len(env.Payload)
	if env.IsSync() {
		size += 8
	}
	return appendEnvelope(make([]byte, 0, size), env)
}

// decodeEnvelope parses a frame. The returned envelope's payload aliases
// frame, so the caller hands ownership of frame to the envelope.
func decodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) < minHeaderSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedHeader, len(frame))
	}

	env := &Envelope{Flags: EnvelopeFlags(frame[0])}
	if env.Flags&^knownEnvelopeFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrMalformedHeader, frame[0])
	}
	off := 1

	receiver, off, err := readStr(frame, off)
	if err != nil {
		return nil, err
	}
	message, off, err := readStr(frame, off)
	if err != nil {
		return nil, err
	}
	env.Receiver = intern(receiver)
	env.Message = intern(message)

	if len(frame)-off < 8 {
		return nil, fmt.Errorf("%w: missing destination", ErrMalformedHeader)
	}
	env.Destination = binary.BigEndian.Uint64(frame[off:])
	off += 8

	if env.IsSync() {
		if len(frame)-off < 8 {
			return nil, fmt.Errorf("%w: missing sync request id", ErrMalformedHeader)
		}
		env.SyncRequestID = binary.BigEndian.Uint64(frame[off:])
		off += 8
	}

	if off < len(frame) {
		env.Payload = frame[off:len(frame):len(frame)]
	}
	return env, nil
}

func appendStr(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readStr(frame []byte, off int) ([]byte, int, error) {
	if len(frame)-off < 2 {
		return nil, off, fmt.Errorf("%w: missing name length", ErrMalformedHeader)
	}
	n := int(binary.BigEndian.Uint16(frame[off:]))
	off += 2
	if len(frame)-off < n {
		return nil, off, fmt.Errorf("%w: name length %d exceeds frame", ErrMalformedHeader, n)
	}
	return frame[off : off+n], off + n, nil
}
