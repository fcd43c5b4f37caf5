package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// RFC 6455 opcodes handled by this transport.
const (
	opcodeText  byte = 0x1
	opcodeClose byte = 0x8
	opcodePing  byte = 0x9
	opcodePong  byte = 0xA
)

// websocketGUID is the handshake constant from RFC 6455 section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptKey computes the Sec-WebSocket-Accept value for a client key.
func acceptKey(key string) string {
	h := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

type frame struct {
	opcode  byte
	payload []byte
}

// maxFramePayloadBytes caps the declared payload length of a single frame.
// The declared length is attacker-controlled; without a cap a crafted
// 64-bit length wraps the completeness arithmetic or commits the server to
// buffering gigabytes for one frame.
const maxFramePayloadBytes = 1 << 24 // 16 MiB

var errFrameTooLarge = errors.New("frame payload length exceeds limit")

// decodeFrame attempts to parse one complete frame from the head of buf.
// It returns the frame, the number of bytes consumed, and whether a full
// frame was available. A partial frame consumes nothing; the caller waits
// for more bytes. A non-nil error is a protocol violation and the
// connection must be closed.
func decodeFrame(buf []byte) (frame, int, bool, error) {
	if len(buf) < 2 {
		return frame{}, 0, false, nil
	}

	opcode := buf[0] & 0x0F
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return frame{}, 0, false, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return frame{}, 0, false, nil
		}
		length = binary.BigEndian.Uint64(buf[offset : offset+8])
		offset += 8
	}

	if length > maxFramePayloadBytes {
		return frame{}, 0, false, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
	}

	var mask []byte
	if masked {
		if len(buf) < offset+4 {
			return frame{}, 0, false, nil
		}
		mask = buf[offset : offset+4]
		offset += 4
	}

	// Subtraction, not addition: offset+length in uint64 wraps for lengths
	// near 2^64 and would pass the check.
	if length > uint64(len(buf)-offset) {
		return frame{}, 0, false, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return frame{opcode: opcode, payload: payload}, offset + int(length), true, nil
}

// encodeFrame builds a single unmasked, final (FIN=1) frame.
func encodeFrame(opcode byte, payload []byte) []byte {
	var header []byte
	switch {
	case len(payload) < 126:
		header = []byte{0x80 | opcode, byte(len(payload))}
	case len(payload) <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = 0x80 | opcode
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
	}
	return append(header, payload...)
}
