package dispatch

import (
	"fmt"
	"sync"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/auth"
)

// tokenMemory is the client's share of the session token.
type tokenMemory struct {
	buf [auth.ClientTokenLen]byte
	mu  sync.Mutex
}

// Size implements auth.ClientMemory.
func (m *tokenMemory) Size() int { return len(m.buf) }

// ReadFromClient implements auth.ClientMemory.
func (m *tokenMemory) ReadFromClient(dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(dst) > len(m.buf) {
		return fmt.Errorf("read of %d bytes from %d byte token", len(dst), len(m.buf))
	}
	copy(dst, m.buf[:])
	return nil
}

// WriteToClient implements auth.ClientMemory.
func (m *tokenMemory) WriteToClient(src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(src) > len(m.buf) {
		return fmt.Errorf("write of %d bytes to %d byte token", len(src), len(m.buf))
	}
	copy(m.buf[:], src)
	return nil
}

func (m *tokenMemory) wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	aescbc.Wipe(m.buf[:])
}
