package serial

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultBaudRate is the bootloader UART speed.
const DefaultBaudRate = 115200

// DefaultReadTimeout bounds every reply read.
const DefaultReadTimeout = 2 * time.Second

// Port wraps a serial port with bounded-timeout reads.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open port %s", portName)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port. Closing twice is a no-op.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	if p.port == nil {
		return 0, errors.New("serial port is closed")
	}
	return p.port.Write(data)
}

// ReadN reads up to n bytes, giving up once timeout has elapsed. It returns
// fewer bytes, possibly none, when the device stays silent; that is not an
// error.
func (p *Port) ReadN(n int, timeout time.Duration) ([]byte, error) {
	if p.port == nil {
		return nil, errors.New("serial port is closed")
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.port.SetReadTimeout(remaining); err != nil {
			return buf[:got], errors.Wrap(err, "failed to set read timeout")
		}

		m, err := p.port.Read(buf[got:])
		got += m
		if err != nil {
			return buf[:got], errors.Wrap(err, "serial read failed")
		}
		if m == 0 {
			// read timed out
			break
		}
	}

	return buf[:got], nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	if p.port == nil {
		return errors.New("serial port is closed")
	}
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}
	return ports, nil
}
