package protocol

import (
	"golang.org/x/exp/constraints"
)

// ceilDiv divides a by b rounding up. Non-positive a yields zero.
func ceilDiv[T constraints.Integer](a, b T) T {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
