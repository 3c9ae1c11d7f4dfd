package aescbc

import (
	"errors"
	"fmt"
)

// ErrInvalidPadding is returned when padding cannot be applied or checked.
var ErrInvalidPadding = errors.New("invalid padding")

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Pad fills buf[payloadLen:] with the padding byte. buf is the block-aligned
// plaintext; every pad byte carries the pad length itself. No padding is
// written when payloadLen already equals len(buf), including the empty
// buffer.
//
// The pad length must be shorter than one block, which is always the case
// when len(buf) == AlignUp(payloadLen, BlockSize).
func Pad(buf []byte, payloadLen int) error {
	alignedLen := len(buf)
	if alignedLen%BlockSize != 0 || payloadLen < 0 || alignedLen < payloadLen {
		return fmt.Errorf("%w: aligned length %d, payload length %d", ErrInvalidPadding, alignedLen, payloadLen)
	}

	padLen := alignedLen - payloadLen
	if padLen >= BlockSize {
		return fmt.Errorf("%w: pad length %d", ErrInvalidPadding, padLen)
	}
	if padLen == 0 {
		return nil
	}

	pad := byte(padLen)
	for i := payloadLen; i < alignedLen; i++ {
		buf[i] = pad
	}
	return nil
}

// Unpad checks the padding written by Pad and returns buf[:payloadLen].
func Unpad(buf []byte, payloadLen int) ([]byte, error) {
	alignedLen := len(buf)
	if payloadLen < 0 || alignedLen < payloadLen || alignedLen-payloadLen >= BlockSize {
		return nil, fmt.Errorf("%w: aligned length %d, payload length %d", ErrInvalidPadding, alignedLen, payloadLen)
	}

	pad := byte(alignedLen - payloadLen)
	for i := payloadLen; i < alignedLen; i++ {
		if buf[i] != pad {
			return nil, ErrInvalidPadding
		}
	}
	return buf[:payloadLen], nil
}
