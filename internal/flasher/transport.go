package flasher

import (
	"io"
	"time"

	"github.com/bigbag/stm32-bl-flasher/internal/firmware"
	"github.com/bigbag/stm32-bl-flasher/internal/serial"
)

// Transport is a half-duplex byte stream to the bootloader.
type Transport interface {
	Write(data []byte) (int, error)

	// ReadN returns up to n bytes and never blocks longer than timeout.
	// A short or empty result means the device went quiet.
	ReadN(n int, timeout time.Duration) ([]byte, error)

	// Flush discards any buffered input.
	Flush() error

	Close() error
}

// Image is a firmware image read once, front to back.
type Image interface {
	io.ReadCloser
	Size() int64
}

// TransportOpener opens the transport for one run.
type TransportOpener func(name string, baudRate int) (Transport, error)

// ImageOpener opens the firmware image for one run.
type ImageOpener func(path string) (Image, error)

// BootController puts the device into its bootloader before a run and
// releases the boot lines afterwards. Release must be safe to call more
// than once and without a prior EnterBootloader.
type BootController interface {
	EnterBootloader() error
	Release() error
}

func openSerial(name string, baudRate int) (Transport, error) {
	port, err := serial.Open(name, baudRate)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func openImage(path string) (Image, error) {
	img, err := firmware.Open(path)
	if err != nil {
		return nil, err
	}
	return img, nil
}
