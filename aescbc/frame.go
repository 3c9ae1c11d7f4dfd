package aescbc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MagicSize is the size of the magic field in a Head.
	MagicSize = 16
	// HeadSize is the encoded size of a Head: magic plus 32-bit length.
	HeadSize = MagicSize + 4
	// MagicString identifies every encrypted frame. It is NUL padded to
	// MagicSize bytes on the wire.
	MagicString = "Trusted-magic"
)

// ErrInvalidHead is returned when a decoded frame head does not match.
var ErrInvalidHead = errors.New("invalid encryption head")

var magic = func() (m [MagicSize]byte) {
	copy(m[:], MagicString)
	return m
}()

// Head precedes every encrypted payload. The length is host order, which is
// little endian on every platform the TEE runs on.
type Head struct {
	Magic      [MagicSize]byte
	PayloadLen uint32
}

// NewHead returns a head for a payload of payloadLen bytes.
func NewHead(payloadLen uint32) (Head, error) {
	if payloadLen == 0 {
		return Head{}, fmt.Errorf("%w: zero payload length", ErrInvalidHead)
	}
	return Head{Magic: magic, PayloadLen: payloadLen}, nil
}

// Put encodes h into the first HeadSize bytes of b.
func (h Head) Put(b []byte) {
	_ = b[HeadSize-1]
	copy(b[:MagicSize], h.Magic[:])
	binary.LittleEndian.PutUint32(b[MagicSize:HeadSize], h.PayloadLen)
}

// ReadHead decodes a head from the first HeadSize bytes of b.
func ReadHead(b []byte) (Head, error) {
	if len(b) < HeadSize {
		return Head{}, fmt.Errorf("%w: %d bytes", ErrInvalidHead, len(b))
	}
	var h Head
	copy(h.Magic[:], b[:MagicSize])
	h.PayloadLen = binary.LittleEndian.Uint32(b[MagicSize:HeadSize])
	return h, nil
}

// Valid reports whether h carries the exact magic and declares exactly
// payloadLen bytes.
func (h Head) Valid(payloadLen uint32) bool {
	if payloadLen == 0 {
		return false
	}
	if !bytes.Equal(h.Magic[:], magic[:]) {
		return false
	}
	return h.PayloadLen == payloadLen
}

// SplitTrailingHead parses a decrypted buffer laid out as payload, Head,
// padding and returns the payload. The pad length is read from the last
// byte; without padding that byte is the high byte of the head's length,
// which is zero for any payload shorter than 16 MiB.
func SplitTrailingHead(plain []byte) ([]byte, error) {
	n := len(plain)
	if n == 0 || n%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, n)
	}

	padLen := int(plain[n-1])
	if padLen >= BlockSize {
		return nil, ErrInvalidPadding
	}
	framed, err := Unpad(plain, n-padLen)
	if err != nil {
		return nil, err
	}

	payloadLen := len(framed) - HeadSize
	if payloadLen <= 0 {
		return nil, fmt.Errorf("%w: no payload", ErrInvalidHead)
	}
	h, err := ReadHead(framed[payloadLen:])
	if err != nil {
		return nil, err
	}
	if !h.Valid(uint32(payloadLen)) {
		return nil, ErrInvalidHead
	}
	return framed[:payloadLen], nil
}
