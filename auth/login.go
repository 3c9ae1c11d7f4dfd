package auth

import (
	"fmt"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

const (
	// AESLoginMaxLen bounds the login information of one open-session.
	AESLoginMaxLen = 1024
	loginPageSize  = 4096
)

// IsOpenSessionByIndex reports whether operation parameter index of a call
// carries login information: parameters 2 (certificate or uid) and 3
// (package name) of a global open-session.
func IsOpenSessionByIndex(flags uint8, cmdID uint32, index int) bool {
	return flags&CallGlobal != 0 && index >= 2 && cmdID == smc.GlobalCmdIDOpenSession
}

// DoEncryption encrypts the first payloadSize bytes of buf in place. The
// plaintext is the payload, then a Head, then padding to the block size;
// a generated IV follows the ciphertext. It returns the number of bytes
// written, which must fit in buf.
func (e *Enhancer) DoEncryption(buf []byte, payloadSize int, key []byte) (int, error) {
	if len(buf) == 0 || payloadSize <= 0 || len(key) != aescbc.KeySize {
		return 0, ErrInvalidArgument
	}

	plainSize := payloadSize + aescbc.HeadSize
	alignedSize := aescbc.AlignUp(plainSize, aescbc.BlockSize)
	totalSize := alignedSize + aescbc.IVSize
	if totalSize > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrNoMemory, totalSize, len(buf))
	}

	plain := make([]byte, alignedSize)
	defer aescbc.Wipe(plain)
	copy(plain, buf[:payloadSize])

	head, err := aescbc.NewHead(uint32(payloadSize))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	head.Put(plain[payloadSize:])
	if err := aescbc.Pad(plain, plainSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	enc, err := e.engine.Encrypt(plain, key, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFault, err)
	}
	copy(buf, enc)
	return totalSize, nil
}

// EncryptLoginInfo encrypts infoSize bytes of login information held in
// buf, plus its terminating NUL, under key. The information may not exceed
// AESLoginMaxLen bytes and the result may not exceed its size rounded up
// to a page.
func (e *Enhancer) EncryptLoginInfo(infoSize int, buf []byte, key []byte) (int, error) {
	if buf == nil || key == nil {
		return 0, ErrInvalidArgument
	}

	payloadSize := infoSize + 1
	totalSize := aescbc.AlignUp(payloadSize+aescbc.HeadSize, aescbc.BlockSize) + aescbc.IVSize
	if infoSize < 0 || infoSize > AESLoginMaxLen || totalSize > aescbc.AlignUp(infoSize, loginPageSize) {
		return 0, fmt.Errorf("%w: login info is %d bytes", ErrInvalidArgument, infoSize)
	}
	if totalSize > len(buf) {
		return 0, fmt.Errorf("%w: login buffer is %d bytes", ErrNoMemory, len(buf))
	}

	buf[infoSize] = 0
	return e.DoEncryption(buf[:totalSize], payloadSize, key)
}
