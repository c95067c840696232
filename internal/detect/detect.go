// Package detect finds serial ports with a bootloader listening on them.
package detect

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/stm32-bl-flasher/internal/flasher"
	"github.com/bigbag/stm32-bl-flasher/internal/serial"
)

// probeTimeout bounds a single GET_VER probe so a scan over many ports
// stays quick.
const probeTimeout = 300 * time.Millisecond

// Result represents a port with a responding bootloader.
type Result struct {
	Port    string
	Version byte
}

// Prober runs the bootloader probe on one port.
type Prober func(portName string, baudRate int) (*Result, error)

// Detector scans ports for a bootloader.
type Detector struct {
	list  func() ([]string, error)
	probe Prober
	log   logrus.FieldLogger
}

// New creates a Detector over the system serial ports.
func New(log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Detector{list: serial.ListPorts, log: log}
	d.probe = d.tryPort
	return d
}

// DetectDevice returns the first port whose bootloader answers GET_VER.
func (d *Detector) DetectDevice(baudRate int) (*Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}

	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := d.probe(portName, baudRate)
		if err != nil {
			d.log.WithError(err).Debugf("no bootloader on %s", portName)
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, errors.Wrap(lastErr, "no bootloader found")
}

// DetectOnPort probes a specific port.
func (d *Detector) DetectOnPort(portName string, baudRate int) (*Result, error) {
	return d.probe(portName, baudRate)
}

// ListDevices probes every port and returns those that answered.
func (d *Detector) ListDevices(baudRate int) ([]Result, error) {
	ports, err := d.list()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}

	var results []Result
	for _, portName := range ports {
		result, err := d.probe(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func (d *Detector) tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	client := flasher.NewClient(port, probeTimeout, d.log.WithField("port", portName))
	v, err := client.GetVersion()
	if err != nil {
		return nil, errors.Wrap(err, "probe failed")
	}

	return &Result{Port: portName, Version: v}, nil
}
