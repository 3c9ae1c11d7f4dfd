package auth

import (
	"encoding/binary"
	"fmt"
)

// Token layout. The kernel keeps the full buffer; the client only ever
// holds the identity and the scrambled timestamp.
const (
	IdentityLen  = 16
	TEEPartLen   = 16
	TimestampLen = 8

	TokenLen       = IdentityLen + TEEPartLen + TimestampLen + 2
	ClientTokenLen = IdentityLen + TimestampLen

	IdentityIndex  = 0
	TEEPartIndex   = IdentityIndex + IdentityLen
	TimestampIndex = TEEPartIndex + TEEPartLen
	KernelAPIIndex = TimestampIndex + TimestampLen
	SyncIndex      = KernelAPIIndex + 1
)

// Compile-time layout checks.
var (
	_ [TokenLen - 42]struct{}
	_ [42 - TokenLen]struct{}
	_ [ClientTokenLen - 24]struct{}
	_ [24 - ClientTokenLen]struct{}
	_ [SyncIndex - 41]struct{}
	_ [41 - SyncIndex]struct{}
)

// Sync flag values.
const (
	UnSynced byte = 0x55
	IsSynced byte = 0xaa
)

// Kernel API markers written into the token before a call.
const (
	KernelAPIUser   byte = 0
	KernelAPIKernel byte = 1
)

// Token is the decoded 42-byte token buffer.
type Token struct {
	Identity  [IdentityLen]byte
	TEEPart   [TEEPartLen]byte
	Timestamp [TimestampLen]byte
	KernelAPI byte
	Sync      byte
}

// DecodeToken parses a token buffer.
func DecodeToken(b []byte) (*Token, error) {
	if len(b) != TokenLen {
		return nil, fmt.Errorf("%w: token is %d bytes", ErrInvalidArgument, len(b))
	}
	t := &Token{KernelAPI: b[KernelAPIIndex], Sync: b[SyncIndex]}
	copy(t.Identity[:], b[IdentityIndex:])
	copy(t.TEEPart[:], b[TEEPartIndex:])
	copy(t.Timestamp[:], b[TimestampIndex:])
	return t, nil
}

// Encode writes the token into a TokenLen buffer.
func (t *Token) Encode(b []byte) error {
	if len(b) != TokenLen {
		return fmt.Errorf("%w: token is %d bytes", ErrInvalidArgument, len(b))
	}
	copy(b[IdentityIndex:], t.Identity[:])
	copy(b[TEEPartIndex:], t.TEEPart[:])
	copy(b[TimestampIndex:], t.Timestamp[:])
	b[KernelAPIIndex] = t.KernelAPI
	b[SyncIndex] = t.Sync
	return nil
}

func (t *Token) wipe() {
	*t = Token{}
}

// ClientToken is the part of the token the client holds between calls.
type ClientToken struct {
	Identity  [IdentityLen]byte
	Timestamp [TimestampLen]byte
}

// DecodeClientToken parses the client's 24 bytes.
func DecodeClientToken(b []byte) (*ClientToken, error) {
	if len(b) != ClientTokenLen {
		return nil, fmt.Errorf("%w: client token is %d bytes", ErrInvalidArgument, len(b))
	}
	t := &ClientToken{}
	copy(t.Identity[:], b[:IdentityLen])
	copy(t.Timestamp[:], b[IdentityLen:])
	return t, nil
}

// Encode writes the client token into a ClientTokenLen buffer.
func (t *ClientToken) Encode(b []byte) error {
	if len(b) != ClientTokenLen {
		return fmt.Errorf("%w: client token is %d bytes", ErrInvalidArgument, len(b))
	}
	copy(b, t.Identity[:])
	copy(b[IdentityLen:], t.Timestamp[:])
	return nil
}

// ScrambleTimestamp encodes a counter value with a scrambling key.
func ScrambleTimestamp(counter uint64, key uint32) [TimestampLen]byte {
	var out [TimestampLen]byte
	binary.LittleEndian.PutUint64(out[:], counter)
	scramble(out[:], key)
	return out
}

// DescrambleTimestamp decodes a scrambled counter.
func DescrambleTimestamp(ts [TimestampLen]byte, key uint32) uint64 {
	scramble(ts[:], key)
	return binary.LittleEndian.Uint64(ts[:])
}

// scramble XORs b in place with the four key bytes reused cyclically.
// Applying it twice restores the input.
func scramble(b []byte, key uint32) {
	k := scramblingBytes(key)
	for i := range b {
		b[i] ^= k[i%len(k)]
	}
}

// Timestamp adjustment directions.
const (
	dec = iota
	inc
)

// changeTimestamp adjusts the scrambled counter stored in a token buffer.
// On failure the buffer is unchanged.
func changeTimestamp(token []byte, key uint32, dir int) error {
	tok, err := DecodeToken(token)
	if err != nil {
		return err
	}
	defer tok.wipe()
	counter := DescrambleTimestamp(tok.Timestamp, key)

	switch dir {
	case inc:
		if counter == ^uint64(0) {
			return ErrTimestampOverflow
		}
		counter++
	case dec:
		if counter == 0 {
			return ErrTimestampUnderflow
		}
		counter--
	}

	tok.Timestamp = ScrambleTimestamp(counter, key)
	return tok.Encode(token)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
