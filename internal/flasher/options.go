package flasher

import (
	"github.com/sirupsen/logrus"
)

// Phases reported through the progress callback.
const (
	PhaseVersion  = "version"
	PhaseErase    = "erase"
	PhaseWrite    = "write"
	PhaseGo       = "go"
	PhaseComplete = "complete"
)

// Progress describes how far a run has got.
type Progress struct {
	Phase       string
	Chunk       int // chunks written so far
	TotalChunks int
	BytesSent   int64
	TotalBytes  int64
	Address     uint32 // next write address
}

// ProgressCallback is called to report flash progress.
type ProgressCallback func(Progress)

type options struct {
	log           logrus.FieldLogger
	progress      ProgressCallback
	openTransport TransportOpener
	openImage     ImageOpener
	boot          BootController
}

func defaultOptions() options {
	return options{
		log:           logrus.StandardLogger(),
		openTransport: openSerial,
		openImage:     openImage,
	}
}

// Option configures a Flasher.
type Option func(*options)

// WithLogger sets the logger used for frame dumps and phase messages.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(o *options) {
		o.progress = cb
	}
}

// WithTransportOpener replaces the serial port opener.
func WithTransportOpener(open TransportOpener) Option {
	return func(o *options) {
		if open != nil {
			o.openTransport = open
		}
	}
}

// WithImageOpener replaces the firmware file opener.
func WithImageOpener(open ImageOpener) Option {
	return func(o *options) {
		if open != nil {
			o.openImage = open
		}
	}
}

// WithBootController drives the device into its bootloader before the
// port is opened.
func WithBootController(b BootController) Option {
	return func(o *options) {
		o.boot = b
	}
}
