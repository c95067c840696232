package flasher

import (
	"io"

	"github.com/pkg/errors"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
)

// Chunk is one slice of the image bound for a single MEM_WRITE.
type Chunk struct {
	Index   int
	Address uint32
	Data    []byte
}

// Session cuts an image into MEM_WRITE chunks. It reads the source once,
// front to back, and cannot be rewound.
type Session struct {
	src       io.Reader
	total     int64
	address   uint32
	sent      int64
	chunkSize int
	index     int
}

// NewSession starts a transfer of total bytes from src to baseAddress.
func NewSession(src io.Reader, total int64, baseAddress uint32) *Session {
	return &Session{
		src:       src,
		total:     total,
		address:   baseAddress,
		chunkSize: protocol.ChunkSize,
	}
}

// Next returns the next chunk, or io.EOF once every byte has been handed
// out. The address and byte counters advance with each chunk.
func (s *Session) Next() (*Chunk, error) {
	if s.sent >= s.total {
		return nil, io.EOF
	}

	n := min(int64(s.chunkSize), s.total-s.sent)
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.src, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "image ended at offset %d, expected %d bytes", s.sent, s.total)
	}

	c := &Chunk{
		Index:   s.index,
		Address: s.address,
		Data:    buf,
	}

	s.address += uint32(n)
	s.sent += n
	s.index++

	return c, nil
}

// Address returns the destination of the next chunk.
func (s *Session) Address() uint32 {
	return s.address
}

// BytesSent returns how many bytes have been handed out.
func (s *Session) BytesSent() int64 {
	return s.sent
}

// Total returns the image size.
func (s *Session) Total() int64 {
	return s.total
}

// Remaining returns how many bytes are left.
func (s *Session) Remaining() int64 {
	return s.total - s.sent
}

// Done reports whether every chunk has been produced.
func (s *Session) Done() bool {
	return s.sent >= s.total
}

// Chunks returns how many chunks the whole transfer takes.
func (s *Session) Chunks() int {
	return int(protocol.ChunkCount(s.total))
}
