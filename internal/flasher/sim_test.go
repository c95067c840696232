package flasher

import (
	"bytes"
	"time"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
)

// simDevice behaves like the bootloader firmware on the far side of the
// transport: it verifies each frame checksum, NACKs bad frames and answers
// good ones with an ACK, a length byte and a one-byte body.
type simDevice struct {
	version byte

	// raw replies per opcode, overriding the normal behaviour. An empty
	// slice makes the device stay silent.
	raw map[byte][]byte

	// writeStatus returns the status for a MEM_WRITE at addr.
	writeStatus func(addr uint32) protocol.Status
	eraseStatus protocol.Status
	goStatus    protocol.Status

	// muteAfter silences the device once it has accepted that many
	// frames. Zero never mutes.
	muteAfter int

	// readErr and writeErr make the port itself fail.
	readErr  error
	writeErr error

	frames  []*protocol.Frame
	memory  map[uint32]byte
	pending []byte

	reads   int
	flushes int
	closed  int
}

func newSimDevice() *simDevice {
	return &simDevice{
		version: 0x10,
		raw:     map[byte][]byte{},
		memory:  map[uint32]byte{},
	}
}

func (d *simDevice) Write(data []byte) (int, error) {
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		d.pending = append(d.pending, protocol.Nack)
		return len(data), nil
	}
	d.frames = append(d.frames, frame)
	if d.muteAfter > 0 && len(d.frames) > d.muteAfter {
		return len(data), nil
	}

	if raw, ok := d.raw[frame.Opcode]; ok {
		d.pending = append(d.pending, raw...)
		return len(data), nil
	}

	var body byte
	switch frame.Opcode {
	case protocol.CmdGetVersion:
		body = d.version
	case protocol.CmdFlashErase:
		body = byte(d.eraseStatus)
	case protocol.CmdMemWrite:
		addr, _ := frame.Address()
		chunk, _ := frame.Chunk()
		status := protocol.StatusOK
		if d.writeStatus != nil {
			status = d.writeStatus(addr)
		}
		if status.OK() {
			for i, b := range chunk {
				d.memory[addr+uint32(i)] = b
			}
		}
		body = byte(status)
	case protocol.CmdGoToAddress:
		body = byte(d.goStatus)
	default:
		return len(data), nil
	}

	d.pending = append(d.pending, protocol.EncodeAck([]byte{body})...)
	return len(data), nil
}

func (d *simDevice) ReadN(n int, timeout time.Duration) ([]byte, error) {
	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}
	if n > len(d.pending) {
		n = len(d.pending)
	}
	out := append([]byte(nil), d.pending[:n]...)
	d.pending = d.pending[n:]
	return out, nil
}

func (d *simDevice) Flush() error {
	d.flushes++
	d.pending = nil
	return nil
}

func (d *simDevice) Close() error {
	d.closed++
	return nil
}

// opcodes returns the opcodes of every accepted frame, in order.
func (d *simDevice) opcodes() []byte {
	ops := make([]byte, 0, len(d.frames))
	for _, f := range d.frames {
		ops = append(ops, f.Opcode)
	}
	return ops
}

// framesFor returns every accepted frame with the given opcode.
func (d *simDevice) framesFor(opcode byte) []*protocol.Frame {
	var out []*protocol.Frame
	for _, f := range d.frames {
		if f.Opcode == opcode {
			out = append(out, f)
		}
	}
	return out
}

// dump returns size bytes of device memory starting at addr.
func (d *simDevice) dump(addr uint32, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = d.memory[addr+uint32(i)]
	}
	return out
}

// memImage is an in-memory Image that counts Close calls.
type memImage struct {
	*bytes.Reader
	size   int64
	closed int
}

func newMemImage(data []byte) *memImage {
	return &memImage{Reader: bytes.NewReader(data), size: int64(len(data))}
}

func (m *memImage) Size() int64 { return m.size }

func (m *memImage) Close() error {
	m.closed++
	return nil
}

func testImage(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}
