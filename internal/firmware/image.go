// Package firmware opens raw binary firmware images for transfer.
package firmware

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sigurn/crc16"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
)

// Image is an open firmware file read sequentially.
type Image struct {
	path string
	file *os.File
	r    *bufio.Reader
	size int64
}

// Open opens the image at path. The size is taken once at open time.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open firmware file")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat firmware file")
	}
	if st.IsDir() {
		f.Close()
		return nil, errors.Errorf("%s is a directory", path)
	}

	return &Image{
		path: path,
		file: f,
		r:    bufio.NewReader(f),
		size: st.Size(),
	}, nil
}

// Read reads the next bytes of the image.
func (i *Image) Read(p []byte) (int, error) {
	return i.r.Read(p)
}

// Size returns the image size in bytes.
func (i *Image) Size() int64 {
	return i.size
}

// Path returns the file path.
func (i *Image) Path() string {
	return i.path
}

// Close closes the underlying file. Closing twice is a no-op.
func (i *Image) Close() error {
	if i.file == nil {
		return nil
	}
	err := i.file.Close()
	i.file = nil
	return err
}

// Info summarizes an image without touching a device.
type Info struct {
	Path    string
	Size    int64
	Chunks  int64
	Sectors int64
	CRC16   uint16 // CRC-16/XMODEM fingerprint of the file contents
}

var xmodemTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Inspect reads the whole image and reports its size, transfer layout and
// fingerprint.
func Inspect(path string) (*Info, error) {
	img, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	crc := crc16.Init(xmodemTable)
	buf := make([]byte, 4096)
	var n int64
	for {
		m, err := img.Read(buf)
		if m > 0 {
			crc = crc16.Update(crc, buf[:m], xmodemTable)
			n += int64(m)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read firmware file")
		}
	}

	return &Info{
		Path:    path,
		Size:    n,
		Chunks:  protocol.ChunkCount(n),
		Sectors: protocol.SectorCount(n),
		CRC16:   crc16.Complete(crc, xmodemTable),
	}, nil
}
