package auth

import (
	"encoding/binary"
	"fmt"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
)

// Secure params layout: a Head followed by a fixed payload union sized by
// its larger TEE-to-REE member.
const (
	ParamsPayloadSize   = 4*ScramblingNumber + CryptoInfoSize
	SecureParamsSize    = aescbc.HeadSize + ParamsPayloadSize
	SecureParamsAligned = (SecureParamsSize + aescbc.BlockSize - 1) &^ (aescbc.BlockSize - 1)
	EncSecureParamsSize = SecureParamsAligned + aescbc.IVSize
	challengeOffset     = aescbc.HeadSize
	scramblingOffset    = aescbc.HeadSize
	cryptoInfoOffset    = scramblingOffset + 4*ScramblingNumber
)

var (
	_ [ParamsPayloadSize - 60]struct{}
	_ [60 - ParamsPayloadSize]struct{}
	_ [SecureParamsAligned - 80]struct{}
	_ [80 - SecureParamsAligned]struct{}
	_ [EncSecureParamsSize - mailbox.SecureParamsSize]struct{}
	_ [mailbox.SecureParamsSize - EncSecureParamsSize]struct{}
)

// Direction selects the payload variant of a secure params frame.
type Direction int

const (
	DirREEToTEE Direction = iota + 1
	DirTEEToREE
)

func (d Direction) String() string {
	switch d {
	case DirREEToTEE:
		return "ree2tee"
	case DirTEEToREE:
		return "tee2ree"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Payload is the direction-specific body of a secure params frame.
type Payload interface {
	Direction() Direction
	put(b []byte)
	wipe()
}

// REEToTEE carries the challenge word from the driver.
type REEToTEE struct {
	ChallengeWord uint32
}

// Direction implements Payload.
func (*REEToTEE) Direction() Direction { return DirREEToTEE }

func (p *REEToTEE) put(b []byte) {
	binary.LittleEndian.PutUint32(b[challengeOffset:], p.ChallengeWord)
}

func (p *REEToTEE) wipe() { p.ChallengeWord = 0 }

// TEEToREE carries the provisioned session material.
type TEEToREE struct {
	Scrambling [ScramblingNumber]uint32
	Crypto     CryptoInfo
}

// Direction implements Payload.
func (*TEEToREE) Direction() Direction { return DirTEEToREE }

func (p *TEEToREE) put(b []byte) {
	for i, v := range p.Scrambling {
		binary.LittleEndian.PutUint32(b[scramblingOffset+4*i:], v)
	}
	p.Crypto.put(b[cryptoInfoOffset:])
}

func (p *TEEToREE) wipe() {
	for i := range p.Scrambling {
		p.Scrambling[i] = 0
	}
	p.Crypto.Wipe()
}

// EncodeParams writes a framed, padded secure params plaintext of
// SecureParamsAligned bytes.
func EncodeParams(p Payload) ([]byte, error) {
	buf := make([]byte, SecureParamsAligned)
	head, err := aescbc.NewHead(ParamsPayloadSize)
	if err != nil {
		return nil, err
	}
	head.Put(buf)
	p.put(buf)
	if err := aescbc.Pad(buf, SecureParamsSize); err != nil {
		aescbc.Wipe(buf)
		return nil, err
	}
	return buf, nil
}

// DecodeParams validates the head of a secure params plaintext and decodes
// the payload variant named by dir.
func DecodeParams(b []byte, dir Direction) (Payload, error) {
	if len(b) < SecureParamsSize {
		return nil, fmt.Errorf("%w: secure params is %d bytes", ErrInvalidArgument, len(b))
	}
	head, err := aescbc.ReadHead(b)
	if err != nil || !head.Valid(ParamsPayloadSize) {
		return nil, ErrFault
	}

	switch dir {
	case DirREEToTEE:
		return &REEToTEE{ChallengeWord: binary.LittleEndian.Uint32(b[challengeOffset:])}, nil
	case DirTEEToREE:
		p := &TEEToREE{}
		for i := range p.Scrambling {
			p.Scrambling[i] = binary.LittleEndian.Uint32(b[scramblingOffset+4*i:])
		}
		p.Crypto.get(b[cryptoInfoOffset:])
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, dir)
	}
}

// SealParams encodes p and encrypts it under key with a generated IV into
// out, which must hold EncSecureParamsSize bytes. The size is checked
// before any cryptographic work.
func SealParams(engine *aescbc.Engine, p Payload, key []byte, out []byte) error {
	if len(out) < EncSecureParamsSize {
		return fmt.Errorf("%w: params buffer is %d bytes", ErrInvalidArgument, len(out))
	}

	plain, err := EncodeParams(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFault, err)
	}
	defer aescbc.Wipe(plain)

	enc, err := engine.Encrypt(plain, key, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFault, err)
	}
	copy(out, enc)
	return nil
}

// OpenParams decrypts a sealed secure params buffer whose IV is its last
// IVSize bytes and decodes the payload variant named by dir. Every failure
// after the size check is reported as ErrFault.
func OpenParams(engine *aescbc.Engine, in []byte, key []byte, dir Direction) (Payload, error) {
	if len(in) < EncSecureParamsSize {
		return nil, fmt.Errorf("%w: params buffer is %d bytes", ErrInvalidArgument, len(in))
	}

	plain, err := engine.Decrypt(in[:EncSecureParamsSize], key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFault, err)
	}
	defer aescbc.Wipe(plain)

	p, err := DecodeParams(plain, dir)
	if err != nil {
		return nil, err
	}
	if _, err := aescbc.Unpad(plain, SecureParamsSize); err != nil {
		p.wipe()
		return nil, ErrFault
	}
	return p, nil
}
