package flasher

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/bigbag/stm32-bl-flasher/internal/protocol"
)

// ErrTransportTimeout is returned when the device sent nothing within the
// read window.
var ErrTransportTimeout = errors.New("timed out waiting for bootloader")

// ErrTransportFailure is returned when the port itself failed, e.g. the
// adapter was unplugged mid-command.
var ErrTransportFailure = errors.New("serial transport failed")

// DeviceError means the device accepted the frame but reported a non-OK
// status.
type DeviceError struct {
	Op      byte
	Address uint32 // set for MEM_WRITE and GO_TO_ADDR
	Status  protocol.Status
}

func (e *DeviceError) Error() string {
	if e.Op == protocol.CmdMemWrite || e.Op == protocol.CmdGoToAddress {
		return fmt.Sprintf("%s at 0x%08X failed: device status %s", protocol.CommandName(e.Op), e.Address, e.Status)
	}
	return fmt.Sprintf("%s failed: device status %s", protocol.CommandName(e.Op), e.Status)
}

// AbortError stops a run on a transport or framing failure. Timeouts and
// protocol violations leave the bootloader in an unknown state; the device
// has to be reset by hand before another attempt.
type AbortError struct {
	Step string
	Err  error
}

func (e *AbortError) Error() string {
	if e.NeedsReset() {
		return fmt.Sprintf("%s: %v (reset the board and try again)", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// NeedsReset reports whether the device must be reset manually.
func (e *AbortError) NeedsReset() bool {
	return errors.Is(e.Err, ErrTransportTimeout) ||
		errors.Is(e.Err, ErrTransportFailure) ||
		errors.Is(e.Err, protocol.ErrProtocolViolation)
}

// classified tags an error with a sentinel kind while keeping the
// underlying cause reachable.
type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.err.Error()
}

func (c *classified) Unwrap() error { return c.err }

func (c *classified) Is(target error) bool {
	return target == c.kind
}
