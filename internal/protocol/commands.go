package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Bootloader commands
const (
	CmdGetVersion  = 0x80
	CmdFlashErase  = 0x81
	CmdMemWrite    = 0x82
	CmdGoToAddress = 0x83
)

// Fixed frame sizes, checksum included. MemWrite grows by the chunk length.
const (
	GetVersionLen  = 6
	FlashEraseLen  = 8
	MemWriteLen    = 11
	GoToAddressLen = 10
)

// Acknowledgement markers
const (
	Ack  = 0xA5
	Nack = 0x7F
)

// Transfer parameters
const (
	ChunkSize  = 128
	SectorSize = 131072 // 128 KiB

	// MaxChunkSize is the largest chunk whose MemWrite frame length
	// still fits the 1-byte length field.
	MaxChunkSize = 0xFF + 1 - MemWriteLen
)

// Erase limits enforced by the device.
const (
	MassErase      = 0xFF
	MaxSector      = 7
	MaxSectorCount = 8
)

// CommandName returns human-readable name for an opcode
func CommandName(opcode byte) string {
	switch opcode {
	case CmdGetVersion:
		return "GET_VER"
	case CmdFlashErase:
		return "FLASH_ERASE"
	case CmdMemWrite:
		return "MEM_WRITE"
	case CmdGoToAddress:
		return "GO_TO_ADDR"
	default:
		return fmt.Sprintf("CMD_0x%02X", opcode)
	}
}

// ReplySize returns the reply body size expected for an opcode, or -1 if
// the opcode is unknown.
func ReplySize(opcode byte) int {
	switch opcode {
	case CmdGetVersion, CmdFlashErase, CmdMemWrite, CmdGoToAddress:
		return 1
	default:
		return -1
	}
}

// Status is the result code the device reports for erase, write and
// go-to-address commands.
type Status byte

// Status codes from the flash HAL
const (
	StatusOK             Status = 0x00
	StatusError          Status = 0x01
	StatusBusy           Status = 0x02
	StatusTimeout        Status = 0x03
	StatusInvalidAddress Status = 0x04
)

// OK reports whether the status is success.
func (s Status) OK() bool {
	return s == StatusOK
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusBusy:
		return "BUSY"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusInvalidAddress:
		return "INVALID_ADDRESS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(s))
	}
}

// Known reports whether the status is one of the defined codes.
func (s Status) Known() bool {
	return s <= StatusInvalidAddress
}

// SectorCount returns how many erase sectors an image of size bytes spans.
func SectorCount(size int64) int64 {
	return ceilDiv(size, SectorSize)
}

// ChunkCount returns how many MemWrite commands an image of size bytes needs.
func ChunkCount(size int64) int64 {
	return ceilDiv(size, ChunkSize)
}

// ValidateErase checks an erase request against the device limits.
func ValidateErase(sector, count byte) error {
	if count > MaxSectorCount {
		return errors.Errorf("sector count %d exceeds maximum %d", count, MaxSectorCount)
	}
	if sector != MassErase && sector > MaxSector {
		return errors.Errorf("invalid sector %d: want 0-%d or 0x%02X for mass erase", sector, MaxSector, MassErase)
	}
	return nil
}
