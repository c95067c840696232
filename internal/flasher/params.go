package flasher

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DeviceErrorPolicy decides what a run does when the device reports a
// non-OK status.
type DeviceErrorPolicy string

const (
	PolicyAbort    DeviceErrorPolicy = "abort"
	PolicyContinue DeviceErrorPolicy = "continue"
)

// ParsePolicy parses "abort" or "continue". There is no default.
func ParsePolicy(s string) (DeviceErrorPolicy, error) {
	switch p := DeviceErrorPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAbort, PolicyContinue:
		return p, nil
	case "":
		return "", errors.New("device error policy must be set explicitly (abort or continue)")
	default:
		return "", errors.Errorf("unknown device error policy %q (want abort or continue)", s)
	}
}

// Params fully describes one update run.
type Params struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration

	ImagePath string

	SectorStart byte
	SectorCount int // 0 derives the count from the image size

	WriteAddress uint32
	EntryAddress uint32

	OnDeviceError DeviceErrorPolicy
}

// Validate checks that every mandatory parameter is present.
func (p Params) Validate() error {
	if p.Port == "" {
		return errors.New("port is required")
	}
	if p.ImagePath == "" {
		return errors.New("image path is required")
	}
	if p.WriteAddress == 0 {
		return errors.New("write address is required")
	}
	if p.EntryAddress == 0 {
		return errors.New("entry address is required")
	}
	if p.SectorCount < 0 || p.SectorCount > 0xFF {
		return errors.Errorf("sector count %d out of range", p.SectorCount)
	}
	if _, err := ParsePolicy(string(p.OnDeviceError)); err != nil {
		return err
	}
	return nil
}
