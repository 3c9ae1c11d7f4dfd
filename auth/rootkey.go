package auth

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Root key buffer handed over by the TEE: a reserved word followed by the
// key and IV.
const (
	RootKeyBufLen = 100
	RootKeyOffset = 4
)

var _ [RootKeyBufLen - RootKeyOffset - CryptoInfoSize]struct{}

// RootKey holds the process-wide key shared with the TEE. It starts unset
// and is wiped by Free.
type RootKey struct {
	mu   sync.RWMutex
	info *CryptoInfo
}

// NewRootKey returns an unset root key.
func NewRootKey() *RootKey {
	return &RootKey{}
}

// Load copies the key material out of a RootKeyBufLen buffer. A previously
// loaded key is wiped first.
func (r *RootKey) Load(buf []byte) error {
	if len(buf) != RootKeyBufLen {
		return fmt.Errorf("%w: root key buffer is %d bytes", ErrFault, len(buf))
	}

	info := &CryptoInfo{}
	info.get(buf[RootKeyOffset : RootKeyOffset+CryptoInfoSize])

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info != nil {
		r.info.Wipe()
	}
	r.info = info
	return nil
}

// Loaded reports whether a key is present.
func (r *RootKey) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info != nil
}

// Free wipes the key. It is safe to call on an unset key.
func (r *RootKey) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return
	}
	r.info.Wipe()
	r.info = nil
}

// key returns a copy of the key. The caller wipes it.
func (r *RootKey) key() ([aescbc.KeySize]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.info == nil {
		return [aescbc.KeySize]byte{}, ErrNoRootKey
	}
	return r.info.Key, nil
}

// FetchRootKey asks the TEE for the session root key through a mailbox
// buffer and loads it.
func (e *Enhancer) FetchRootKey(devFileID uint32) error {
	if e.mb == nil || e.caller == nil {
		return ErrInvalidArgument
	}

	buf, err := e.mb.Alloc(RootKeyBufLen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	defer e.mb.Free(buf)

	cmd := &smc.Command{
		CmdType:   smc.CmdTypeGlobal,
		CmdID:     smc.GlobalCmdIDGetSessionRootKey,
		DevFileID: devFileID,
		ErrOrigin: smc.OriginComms,
	}
	cmd.ParamsPhys, cmd.ParamsHPhys = mailbox.SplitPhys(buf.Phys())

	if err := callError(cmd, e.caller.Call(cmd)); err != nil {
		log.Error().Err(err).Msg("Failed to fetch session root key")
		return err
	}
	if err := e.rootKey.Load(buf.Bytes()); err != nil {
		return err
	}

	log.Info().Msg("Session root key loaded")
	e.report(audit.EventRootKeyLoaded, devFileID, nil, "")
	return nil
}

// FreeRootKey wipes the root key on teardown.
func (e *Enhancer) FreeRootKey() {
	if !e.rootKey.Loaded() {
		return
	}
	e.rootKey.Free()
	e.report(audit.EventRootKeyFreed, 0, nil, "")
}
