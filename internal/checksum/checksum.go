// Package checksum implements the 32-bit frame checksum used by the
// bootloader.
//
// The device computes it with the STM32 hardware CRC unit, feeding every
// frame byte as its own 32-bit word. That makes it CRC-32/MPEG-2 (polynomial
// 0x04C11DB7, initial value 0xFFFFFFFF, no reflection, no final XOR) over
// each byte zero-extended to a big-endian word, not over the plain bytes.
package checksum

import "hash"

const (
	// Polynomial is the CRC-32 generator polynomial in normal form.
	Polynomial uint32 = 0x04C11DB7

	// Init is the initial register value.
	Init uint32 = 0xFFFFFFFF

	// Size is the checksum size in bytes.
	Size = 4
)

// Compute returns the checksum of data.
func Compute(data []byte) uint32 {
	return update(Init, data)
}

func update(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 32; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ Polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// digest is a streaming hash.Hash32 over the same algorithm.
type digest struct {
	crc uint32
}

// New returns a hash.Hash32 computing the frame checksum.
// Sum appends the big-endian representation like the stdlib CRC hashes;
// frames carry Sum32 little-endian.
func New() hash.Hash32 {
	return &digest{crc: Init}
}

func (d *digest) Write(p []byte) (int, error) {
	d.crc = update(d.crc, p)
	return len(p), nil
}

func (d *digest) Sum32() uint32 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	s := d.crc
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (d *digest) Reset() { d.crc = Init }

func (d *digest) Size() int { return Size }

func (d *digest) BlockSize() int { return 1 }
