package flasher

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
	"github.com/bigbag/stm32-bl-flasher/internal/serial"
)

// State is the position of a client in one command round trip.
type State int

const (
	StateIdle State = iota
	StateFrameSent
	StateAwaitingAck
	StateReplyReceived
	StateChecksumRejected
	StateTransportTimeout
	StateTransportFailure
	StateProtocolViolation
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFrameSent:
		return "frame-sent"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateReplyReceived:
		return "reply-received"
	case StateChecksumRejected:
		return "checksum-rejected"
	case StateTransportTimeout:
		return "transport-timeout"
	case StateTransportFailure:
		return "transport-failure"
	case StateProtocolViolation:
		return "protocol-violation"
	default:
		return "unknown"
	}
}

// Client runs single command round trips against the bootloader. One
// command is outstanding at a time; there are no retries.
type Client struct {
	port    Transport
	timeout time.Duration
	log     logrus.FieldLogger
	state   State
}

// NewClient creates a Client reading replies with the given timeout.
func NewClient(port Transport, timeout time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = serial.DefaultReadTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		port:    port,
		timeout: timeout,
		log:     log,
		state:   StateIdle,
	}
}

// State returns where the last round trip ended.
func (c *Client) State() State {
	return c.state
}

func (c *Client) setState(s State) {
	if c.state != s {
		c.log.Debugf("round trip: %s -> %s", c.state, s)
	}
	c.state = s
}

// Transact writes one command frame and reads its reply.
func (c *Client) Transact(frame []byte) (*protocol.Reply, error) {
	if len(frame) < 2 {
		return nil, errors.New("frame too short")
	}
	opcode := frame[1]
	c.setState(StateIdle)

	if err := c.port.Flush(); err != nil {
		return nil, c.transportFailure(errors.Wrap(err, "failed to flush input"))
	}
	if _, err := c.port.Write(frame); err != nil {
		return nil, c.transportFailure(errors.Wrapf(err, "failed to write %s", protocol.CommandName(opcode)))
	}
	c.log.Debugf("mcu tx: %x", frame)
	c.setState(StateFrameSent)

	return c.ReadReply(opcode)
}

// ReadReply reads the acknowledgement and reply body for opcode.
func (c *Client) ReadReply(opcode byte) (*protocol.Reply, error) {
	name := protocol.CommandName(opcode)
	c.setState(StateAwaitingAck)

	head, err := c.port.ReadN(2, c.timeout)
	if err != nil {
		return nil, c.transportFailure(errors.Wrapf(err, "%s: read ack", name))
	}
	if len(head) > 0 {
		c.log.Debugf("mcu rx: %x", head)
	}

	ack, err := protocol.DecodeAckHeader(head)
	switch {
	case errors.Is(err, protocol.ErrNoResponse):
		c.setState(StateTransportTimeout)
		return nil, errors.Wrapf(ErrTransportTimeout, "%s: no reply within %s", name, c.timeout)
	case errors.Is(err, protocol.ErrChecksumRejected):
		c.setState(StateChecksumRejected)
		return nil, errors.Wrap(err, name)
	case err != nil:
		c.setState(StateProtocolViolation)
		return nil, errors.Wrap(err, name)
	}

	body, err := c.port.ReadN(int(ack.ReplyLength), c.timeout)
	if err != nil {
		return nil, c.transportFailure(errors.Wrapf(err, "%s: read reply", name))
	}
	if len(body) > 0 {
		c.log.Debugf("mcu rx: %x", body)
	}

	reply, err := protocol.DecodeReply(opcode, body)
	if err != nil {
		c.setState(StateProtocolViolation)
		return nil, errors.WithMessage(&classified{kind: protocol.ErrProtocolViolation, err: err}, name)
	}

	c.setState(StateReplyReceived)
	c.setState(StateIdle)
	return reply, nil
}

func (c *Client) transportFailure(err error) error {
	c.setState(StateTransportFailure)
	return &classified{kind: ErrTransportFailure, err: err}
}

// GetVersion returns the bootloader version byte.
func (c *Client) GetVersion() (byte, error) {
	reply, err := c.Transact(protocol.EncodeGetVersion())
	if err != nil {
		return 0, err
	}
	return reply.Version, nil
}

// FlashErase erases count sectors starting at sector, or the whole flash
// when sector is protocol.MassErase.
func (c *Client) FlashErase(sector, count byte) (protocol.Status, error) {
	if err := protocol.ValidateErase(sector, count); err != nil {
		return 0, err
	}
	return c.status(protocol.EncodeFlashErase(sector, count), 0)
}

// MemWrite writes one chunk at address.
func (c *Client) MemWrite(address uint32, chunk []byte) (protocol.Status, error) {
	frame, err := protocol.EncodeMemWrite(address, chunk)
	if err != nil {
		return 0, err
	}
	return c.status(frame, address)
}

// GoToAddress makes the bootloader jump to address.
func (c *Client) GoToAddress(address uint32) (protocol.Status, error) {
	return c.status(protocol.EncodeGoToAddress(address), address)
}

func (c *Client) status(frame []byte, address uint32) (protocol.Status, error) {
	reply, err := c.Transact(frame)
	if err != nil {
		return 0, err
	}
	if !reply.Status.Known() {
		c.log.Warnf("%s returned undefined status 0x%02X", protocol.CommandName(reply.Opcode), byte(reply.Status))
	}
	if !reply.Status.OK() {
		return reply.Status, &DeviceError{
			Op:      reply.Opcode,
			Address: address,
			Status:  reply.Status,
		}
	}
	return reply.Status, nil
}
