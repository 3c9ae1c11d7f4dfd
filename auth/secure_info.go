package auth

import (
	"encoding/binary"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
)

// Scrambling slots.
const (
	ScramblingKey       = 0 // token timestamp
	ScramblingOperation = 1 // command fields
	ScramblingNumber    = 3
)

// CryptoInfoSize is the encoded size of CryptoInfo.
const CryptoInfoSize = aescbc.KeySize + aescbc.IVSize

// CryptoInfo is a key and IV pair.
type CryptoInfo struct {
	Key [aescbc.KeySize]byte
	IV  [aescbc.IVSize]byte
}

// Wipe zeroes the key material.
func (c *CryptoInfo) Wipe() {
	aescbc.Wipe(c.Key[:])
	aescbc.Wipe(c.IV[:])
}

func (c *CryptoInfo) put(b []byte) {
	copy(b, c.Key[:])
	copy(b[aescbc.KeySize:], c.IV[:])
}

func (c *CryptoInfo) get(b []byte) {
	copy(c.Key[:], b[:aescbc.KeySize])
	copy(c.IV[:], b[aescbc.KeySize:CryptoInfoSize])
}

// SecureInfo is the per-session material provisioned by the TEE. It is
// owned by its session and is zero until the exchange populates it.
type SecureInfo struct {
	ChallengeWord uint32
	Scrambling    [ScramblingNumber]uint32
	Crypto        CryptoInfo
}

// Wipe returns the secure info to its zero state.
func (s *SecureInfo) Wipe() {
	s.ChallengeWord = 0
	for i := range s.Scrambling {
		s.Scrambling[i] = 0
	}
	s.Crypto.Wipe()
}

// Provisioned reports whether the exchange has populated the session keys.
func (s *SecureInfo) Provisioned() bool {
	var zero CryptoInfo
	return s.Crypto != zero
}

// scramblingBytes returns a scrambling value in host byte order.
func scramblingBytes(v uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b
}
