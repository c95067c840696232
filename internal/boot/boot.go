// Package boot drives the BOOT0 and NRST lines of the target from host
// GPIO pins so the bootloader is running when the port opens.
package boot

import (
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// settle is how long the lines are held after each edge.
const settle = 10 * time.Millisecond

// Disabled marks an unused pin.
const Disabled = -1

// Config names the host GPIO numbers wired to the target.
type Config struct {
	Boot0GPIO int
	ResetGPIO int
}

// Enabled reports whether at least one line is wired.
func (c Config) Enabled() bool {
	return c.Boot0GPIO >= 0 || c.ResetGPIO >= 0
}

type line interface {
	High()
	Low()
	Cleanup()
}

type gpioLine struct {
	pin gpio.Pin
}

func (l gpioLine) High()    { l.pin.High() }
func (l gpioLine) Low()     { l.pin.Low() }
func (l gpioLine) Cleanup() { l.pin.Cleanup() }

// Controller holds BOOT0 high and pulses reset to start the bootloader.
type Controller struct {
	boot0 line
	reset line
	log   logrus.FieldLogger
}

// New exports and configures the wired pins. Both start in the run state:
// BOOT0 low, reset released.
func New(c Config, log logrus.FieldLogger) (*Controller, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	bc := &Controller{log: log}

	if c.Boot0GPIO >= 0 {
		pin, err := gpio.NewOutput(uint(c.Boot0GPIO), false)
		if err != nil {
			return nil, errors.Wrapf(err, "could not set up BOOT0 on gpio %d", c.Boot0GPIO)
		}
		bc.boot0 = gpioLine{pin: pin}
	}
	if c.ResetGPIO >= 0 {
		pin, err := gpio.NewOutput(uint(c.ResetGPIO), true)
		if err != nil {
			bc.Release()
			return nil, errors.Wrapf(err, "could not set up reset on gpio %d", c.ResetGPIO)
		}
		bc.reset = gpioLine{pin: pin}
	}

	return bc, nil
}

// EnterBootloader raises BOOT0 and resets the target.
func (bc *Controller) EnterBootloader() error {
	if bc.boot0 == nil && bc.reset == nil {
		return errors.New("no boot lines configured")
	}

	bc.log.Debug("mcu enter bootloader")
	if bc.boot0 != nil {
		bc.boot0.High()
	}
	bc.pulseReset()
	return nil
}

// Release drops BOOT0 and unexports the pins. The target keeps running
// whatever the bootloader jumped to.
func (bc *Controller) Release() error {
	if bc.boot0 != nil {
		bc.boot0.Low()
		bc.boot0.Cleanup()
		bc.boot0 = nil
	}
	if bc.reset != nil {
		bc.reset.Cleanup()
		bc.reset = nil
	}
	bc.log.Debug("mcu boot lines released")
	return nil
}

func (bc *Controller) pulseReset() {
	if bc.reset == nil {
		return
	}
	bc.reset.Low()
	time.Sleep(settle)
	bc.reset.High()
	time.Sleep(settle)
}
