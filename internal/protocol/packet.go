package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/bigbag/stm32-bl-flasher/internal/checksum"
)

var (
	// ErrNoResponse is returned when no acknowledgement byte was available.
	ErrNoResponse = errors.New("no response from bootloader")

	// ErrChecksumRejected is returned when the device NACKs a frame.
	ErrChecksumRejected = errors.New("bootloader rejected frame checksum")

	// ErrProtocolViolation is returned for an unexpected marker or reply.
	ErrProtocolViolation = errors.New("bootloader protocol violation")

	// ErrMalformedReply is returned when a reply body is shorter than the
	// opcode requires.
	ErrMalformedReply = errors.New("malformed bootloader reply")
)

// Frame is a decoded command frame.
type Frame struct {
	Opcode   byte
	Fields   []byte // everything between opcode and checksum
	Checksum uint32
}

// AckHeader is the first part of every bootloader reply.
type AckHeader struct {
	Marker      byte
	ReplyLength byte
}

// Reply is a decoded reply body. Version is set for GetVersion, Status for
// every other command.
type Reply struct {
	Opcode  byte
	Version byte
	Status  Status
}

// Encode builds a command frame:
//
//	0: length (total frame size - 1)
//	1: opcode
//	2..n-5: fixed fields, then payload
//	n-4..n-1: checksum over bytes 0..n-5, little-endian
func Encode(opcode byte, fields, payload []byte) []byte {
	size := 2 + len(fields) + len(payload) + checksum.Size
	frame := make([]byte, 2, size)

	frame[0] = byte(size - 1)
	frame[1] = opcode
	h := checksum.New()
	h.Write(frame)
	h.Write(fields)
	h.Write(payload)

	frame = append(frame, fields...)
	frame = append(frame, payload...)
	return binary.LittleEndian.AppendUint32(frame, h.Sum32())
}

// EncodeGetVersion builds a GET_VER frame.
func EncodeGetVersion() []byte {
	return Encode(CmdGetVersion, nil, nil)
}

// EncodeFlashErase builds a FLASH_ERASE frame.
func EncodeFlashErase(sector, count byte) []byte {
	return Encode(CmdFlashErase, []byte{sector, count}, nil)
}

// EncodeMemWrite builds a MEM_WRITE frame for one chunk at address.
func EncodeMemWrite(address uint32, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, errors.New("empty chunk")
	}
	if len(chunk) > MaxChunkSize {
		return nil, errors.Errorf("chunk too large: %d bytes (max %d)", len(chunk), MaxChunkSize)
	}

	fields := make([]byte, 5)
	binary.LittleEndian.PutUint32(fields[0:4], address)
	fields[4] = byte(len(chunk))

	return Encode(CmdMemWrite, fields, chunk), nil
}

// EncodeGoToAddress builds a GO_TO_ADDR frame.
func EncodeGoToAddress(address uint32) []byte {
	fields := make([]byte, 4)
	binary.LittleEndian.PutUint32(fields, address)
	return Encode(CmdGoToAddress, fields, nil)
}

// DecodeFrame parses a command frame and verifies its length and checksum.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 2+checksum.Size {
		return nil, errors.Errorf("frame too short: %d bytes", len(data))
	}
	if int(data[0])+1 != len(data) {
		return nil, errors.Errorf("length mismatch: header says %d, have %d", int(data[0])+1, len(data))
	}

	body := data[:len(data)-checksum.Size]
	want := binary.LittleEndian.Uint32(data[len(data)-checksum.Size:])
	if got := checksum.Compute(body); got != want {
		return nil, errors.Wrapf(ErrChecksumRejected, "checksum 0x%08X, frame carries 0x%08X", got, want)
	}

	return &Frame{
		Opcode:   data[1],
		Fields:   body[2:],
		Checksum: want,
	}, nil
}

// Address returns the little-endian address field of a MEM_WRITE or
// GO_TO_ADDR frame.
func (f *Frame) Address() (uint32, error) {
	if f.Opcode != CmdMemWrite && f.Opcode != CmdGoToAddress {
		return 0, errors.Errorf("%s carries no address", CommandName(f.Opcode))
	}
	if len(f.Fields) < 4 {
		return 0, errors.New("address field truncated")
	}
	return binary.LittleEndian.Uint32(f.Fields[0:4]), nil
}

// Chunk returns the data carried by a MEM_WRITE frame.
func (f *Frame) Chunk() ([]byte, error) {
	if f.Opcode != CmdMemWrite {
		return nil, errors.Errorf("%s carries no data", CommandName(f.Opcode))
	}
	if len(f.Fields) < 5 || len(f.Fields)-5 != int(f.Fields[4]) {
		return nil, errors.New("chunk length does not match frame")
	}
	return f.Fields[5:], nil
}

// DecodeAckHeader classifies the acknowledgement bytes read after a
// command. A NACK wins over any trailing bytes.
func DecodeAckHeader(data []byte) (AckHeader, error) {
	if len(data) == 0 {
		return AckHeader{}, ErrNoResponse
	}

	switch data[0] {
	case Nack:
		return AckHeader{Marker: Nack}, ErrChecksumRejected
	case Ack:
		if len(data) < 2 {
			return AckHeader{Marker: Ack}, errors.Wrap(ErrProtocolViolation, "ack without reply length")
		}
		return AckHeader{Marker: Ack, ReplyLength: data[1]}, nil
	default:
		return AckHeader{Marker: data[0]}, errors.Wrapf(ErrProtocolViolation, "unexpected marker 0x%02X", data[0])
	}
}

// DecodeReply parses the reply body for the command that was sent.
func DecodeReply(opcode byte, body []byte) (*Reply, error) {
	size := ReplySize(opcode)
	if size < 0 {
		return nil, errors.Wrapf(ErrProtocolViolation, "no reply defined for opcode 0x%02X", opcode)
	}
	if len(body) < size {
		return nil, errors.Wrapf(ErrMalformedReply, "%s reply has %d bytes, want %d", CommandName(opcode), len(body), size)
	}

	r := &Reply{Opcode: opcode}
	if opcode == CmdGetVersion {
		r.Version = body[0]
	} else {
		r.Status = Status(body[0])
	}
	return r, nil
}

// EncodeAck builds the device-side acknowledgement for a reply body.
func EncodeAck(body []byte) []byte {
	return append([]byte{Ack, byte(len(body))}, body...)
}
