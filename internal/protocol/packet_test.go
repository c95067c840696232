package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bigbag/stm32-bl-flasher/internal/checksum"
)

func TestEncodeGetVersion_Bytes(t *testing.T) {
	got := EncodeGetVersion()
	want := []byte{0x05, 0x80, 0xB9, 0xBF, 0xF1, 0x69}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeGetVersion() = % X, want % X", got, want)
	}
}

func TestEncodeFlashErase_Bytes(t *testing.T) {
	got := EncodeFlashErase(2, 3)
	want := []byte{0x07, 0x81, 0x02, 0x03, 0xF0, 0x26, 0xA3, 0x68}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFlashErase(2, 3) = % X, want % X", got, want)
	}
}

func TestEncodeGoToAddress_Bytes(t *testing.T) {
	got := EncodeGoToAddress(0x08008848)
	want := []byte{0x09, 0x83, 0x48, 0x88, 0x00, 0x08, 0xEC, 0x4A, 0x51, 0x10}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeGoToAddress(0x08008848) = % X, want % X", got, want)
	}
}

func TestEncodeMemWrite_Bytes(t *testing.T) {
	got, err := EncodeMemWrite(0x08008000, []byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("EncodeMemWrite() error = %v", err)
	}
	want := []byte{
		0x0E, 0x82,
		0x00, 0x80, 0x00, 0x08, // address, little-endian
		0x04,                   // chunk length
		0x01, 0x02, 0x03, 0x04, // chunk
		0x5A, 0x73, 0xC2, 0x8E, // checksum
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeMemWrite() = % X, want % X", got, want)
	}
}

func TestEncode_FixedSizes(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		size  int
	}{
		{"GetVersion", EncodeGetVersion(), GetVersionLen},
		{"FlashErase", EncodeFlashErase(0, 1), FlashEraseLen},
		{"GoToAddress", EncodeGoToAddress(0x08000000), GoToAddressLen},
	}

	for _, tc := range tests {
		if len(tc.frame) != tc.size {
			t.Errorf("%s frame length = %d, want %d", tc.name, len(tc.frame), tc.size)
		}
		if int(tc.frame[0]) != tc.size-1 {
			t.Errorf("%s length byte = %d, want %d", tc.name, tc.frame[0], tc.size-1)
		}
	}
}

func TestEncodeMemWrite_SizeGrowsWithChunk(t *testing.T) {
	for _, n := range []int{1, 44, ChunkSize, MaxChunkSize} {
		frame, err := EncodeMemWrite(0x08008000, make([]byte, n))
		if err != nil {
			t.Fatalf("EncodeMemWrite(%d bytes) error = %v", n, err)
		}
		if len(frame) != MemWriteLen+n {
			t.Errorf("EncodeMemWrite(%d bytes) length = %d, want %d", n, len(frame), MemWriteLen+n)
		}
		if int(frame[0]) != len(frame)-1 {
			t.Errorf("EncodeMemWrite(%d bytes) length byte = %d, want %d", n, frame[0], len(frame)-1)
		}
		if int(frame[6]) != n {
			t.Errorf("EncodeMemWrite(%d bytes) chunk length field = %d", n, frame[6])
		}
	}
}

func TestEncodeMemWrite_Invalid(t *testing.T) {
	if _, err := EncodeMemWrite(0x08008000, nil); err == nil {
		t.Error("EncodeMemWrite(empty) should return error")
	}
	if _, err := EncodeMemWrite(0x08008000, make([]byte, MaxChunkSize+1)); err == nil {
		t.Error("EncodeMemWrite(oversized) should return error")
	}
}

func TestEncode_TrailerMatchesChecksum(t *testing.T) {
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	frames := [][]byte{
		EncodeGetVersion(),
		EncodeFlashErase(MassErase, 0),
		EncodeGoToAddress(0xDEADBEEF),
		Encode(CmdMemWrite, []byte{0, 0, 0, 0, 200}, payload),
	}

	for _, frame := range frames {
		body := frame[:len(frame)-checksum.Size]
		trailer := binary.LittleEndian.Uint32(frame[len(frame)-checksum.Size:])
		if got := checksum.Compute(body); got != trailer {
			t.Errorf("frame % X: trailer 0x%08X, recomputed 0x%08X", frame[:2], trailer, got)
		}
	}
}

func TestEncode_AddressLittleEndian(t *testing.T) {
	frame := EncodeGoToAddress(0x11223344)
	want := []byte{0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(frame[2:6], want) {
		t.Errorf("address bytes = % X, want % X", frame[2:6], want)
	}
}

func TestDecodeFrame_RoundTrip(t *testing.T) {
	chunk := []byte("firmware chunk")
	encoded, err := EncodeMemWrite(0x08008080, chunk)
	if err != nil {
		t.Fatalf("EncodeMemWrite() error = %v", err)
	}

	frame, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if frame.Opcode != CmdMemWrite {
		t.Errorf("Opcode = 0x%02X, want 0x%02X", frame.Opcode, CmdMemWrite)
	}

	addr, err := frame.Address()
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if addr != 0x08008080 {
		t.Errorf("Address() = 0x%08X, want 0x08008080", addr)
	}

	data, err := frame.Chunk()
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if !bytes.Equal(data, chunk) {
		t.Errorf("Chunk() = %q, want %q", data, chunk)
	}
}

func TestDecodeFrame_Corrupted(t *testing.T) {
	frame := EncodeFlashErase(1, 1)
	frame[2] ^= 0xFF

	_, err := DecodeFrame(frame)
	if !errors.Is(err, ErrChecksumRejected) {
		t.Errorf("DecodeFrame(corrupted) error = %v, want ErrChecksumRejected", err)
	}
}

func TestDecodeFrame_LengthMismatch(t *testing.T) {
	frame := EncodeGetVersion()
	if _, err := DecodeFrame(frame[:5]); err == nil {
		t.Error("DecodeFrame(truncated) should return error")
	}
	if _, err := DecodeFrame([]byte{0x01}); err == nil {
		t.Error("DecodeFrame(too short) should return error")
	}
}

func TestFrame_AddressOnGetVersion(t *testing.T) {
	frame, err := DecodeFrame(EncodeGetVersion())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if _, err := frame.Address(); err == nil {
		t.Error("Address() on GET_VER should return error")
	}
	if _, err := frame.Chunk(); err == nil {
		t.Error("Chunk() on GET_VER should return error")
	}
}

func TestDecodeAckHeader_Ack(t *testing.T) {
	hdr, err := DecodeAckHeader([]byte{Ack, 0x01})
	if err != nil {
		t.Fatalf("DecodeAckHeader() error = %v", err)
	}
	if hdr.Marker != Ack || hdr.ReplyLength != 1 {
		t.Errorf("DecodeAckHeader() = %+v, want marker 0xA5 length 1", hdr)
	}
}

func TestDecodeAckHeader_Empty(t *testing.T) {
	for _, data := range [][]byte{nil, {}} {
		if _, err := DecodeAckHeader(data); !errors.Is(err, ErrNoResponse) {
			t.Errorf("DecodeAckHeader(%v) error = %v, want ErrNoResponse", data, err)
		}
	}
}

func TestDecodeAckHeader_NackIgnoresTrailingBytes(t *testing.T) {
	inputs := [][]byte{
		{Nack},
		{Nack, 0x01},
		{Nack, Ack},
		{Nack, 0xFF, 0x00, 0x12},
	}
	for _, data := range inputs {
		_, err := DecodeAckHeader(data)
		if !errors.Is(err, ErrChecksumRejected) {
			t.Errorf("DecodeAckHeader(% X) error = %v, want ErrChecksumRejected", data, err)
		}
	}
}

func TestDecodeAckHeader_UnexpectedMarker(t *testing.T) {
	for _, marker := range []byte{0x00, 0x79, 0x1F, 0xA4, 0xFF} {
		_, err := DecodeAckHeader([]byte{marker, 0x01})
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("DecodeAckHeader(0x%02X) error = %v, want ErrProtocolViolation", marker, err)
		}
	}
}

func TestDecodeAckHeader_AckWithoutLength(t *testing.T) {
	_, err := DecodeAckHeader([]byte{Ack})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("DecodeAckHeader(A5) error = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodeReply_Version(t *testing.T) {
	r, err := DecodeReply(CmdGetVersion, []byte{0x10})
	if err != nil {
		t.Fatalf("DecodeReply() error = %v", err)
	}
	if r.Version != 0x10 {
		t.Errorf("Version = 0x%02X, want 0x10", r.Version)
	}
}

func TestDecodeReply_Status(t *testing.T) {
	for _, op := range []byte{CmdFlashErase, CmdMemWrite, CmdGoToAddress} {
		r, err := DecodeReply(op, []byte{byte(StatusInvalidAddress)})
		if err != nil {
			t.Fatalf("DecodeReply(0x%02X) error = %v", op, err)
		}
		if r.Status != StatusInvalidAddress {
			t.Errorf("DecodeReply(0x%02X) Status = %v, want INVALID_ADDRESS", op, r.Status)
		}
		if r.Opcode != op {
			t.Errorf("DecodeReply(0x%02X) Opcode = 0x%02X", op, r.Opcode)
		}
	}
}

func TestDecodeReply_ShortBody(t *testing.T) {
	_, err := DecodeReply(CmdMemWrite, nil)
	if !errors.Is(err, ErrMalformedReply) {
		t.Errorf("DecodeReply(empty) error = %v, want ErrMalformedReply", err)
	}
}

func TestDecodeReply_UnknownOpcode(t *testing.T) {
	_, err := DecodeReply(0x51, []byte{0x00})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("DecodeReply(0x51) error = %v, want ErrProtocolViolation", err)
	}
}

func TestEncodeAck(t *testing.T) {
	got := EncodeAck([]byte{0x10})
	want := []byte{Ack, 0x01, 0x10}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAck() = % X, want % X", got, want)
	}
}
