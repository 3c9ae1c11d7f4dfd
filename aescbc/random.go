package aescbc

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/rs/zerolog/log"
)

// ErrRandom is returned when neither generator produced a usable sample.
var ErrRandom = errors.New("random generator failed")

// Random fills buffers from a hardware generator, falling back to a
// software generator when the hardware read fails or its sample is all
// zero.
type Random struct {
	hw io.Reader
	sw io.Reader
}

// NewRandom creates a randomness source. hw may be nil, in which case every
// request goes straight to the software generator.
func NewRandom(hw, sw io.Reader) *Random {
	if sw == nil {
		sw = rand.Reader
	}
	return &Random{hw: hw, sw: sw}
}

// DefaultRandom uses the Nitro Secure Module when /dev/nsm is present and
// crypto/rand otherwise.
func DefaultRandom() *Random {
	if _, err := os.Stat("/dev/nsm"); err == nil {
		return NewRandom(&NSMReader{}, rand.Reader)
	}
	return NewRandom(nil, rand.Reader)
}

// Fill overwrites b with random bytes.
func (r *Random) Fill(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrRandom)
	}
	zero(b)

	if r.hw != nil {
		if _, err := io.ReadFull(r.hw, b); err != nil {
			log.Warn().Err(err).Msg("Hardware random read failed, using software generator")
			zero(b)
		} else if !isZero(b) {
			return nil
		} else {
			log.Debug().Msg("Hardware random sample is empty, using software generator")
		}
	}

	if _, err := io.ReadFull(r.sw, b); err != nil {
		zero(b)
		return fmt.Errorf("%w: %v", ErrRandom, err)
	}
	if isZero(b) {
		return ErrRandom
	}
	return nil
}

// Uint32 returns a random non-zero 32-bit word.
func (r *Random) Uint32() (uint32, error) {
	var b [4]byte
	if err := r.Fill(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// NSMReader reads random bytes from the Nitro Secure Module.
type NSMReader struct {
	mu   sync.Mutex
	sess *nsm.Session
}

// Read implements io.Reader on top of the NSM GetRandom request.
func (n *NSMReader) Read(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sess == nil {
		sess, err := nsm.OpenDefaultSession()
		if err != nil {
			return 0, fmt.Errorf("failed to open NSM session: %w", err)
		}
		n.sess = sess
	}

	read := 0
	for read < len(p) {
		res, err := n.sess.Send(&request.GetRandom{})
		if err != nil {
			return read, fmt.Errorf("NSM GetRandom failed: %w", err)
		}
		if res.GetRandom == nil || len(res.GetRandom.Random) == 0 {
			return read, fmt.Errorf("NSM returned no random data")
		}
		read += copy(p[read:], res.GetRandom.Random)
	}
	return read, nil
}

// Close releases the NSM session.
func (n *NSMReader) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess == nil {
		return nil
	}
	err := n.sess.Close()
	n.sess = nil
	return err
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
