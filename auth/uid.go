package auth

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// TZMPUUID identifies the trusted application whose sessions all share one
// uid.
var TZMPUUID = uuid.MustParse("f8028dca-aba0-11e6-80f5-76304dec7eb7")

var tzmpUUIDBytes = smc.UUIDBytes(TZMPUUID)

const (
	// InvalidUID marks the cache as not yet established.
	InvalidUID uint32 = 0xffffffff
	// TZMPUID is the uid every TZMP session runs as.
	TZMPUID uint32 = 0
)

// UIDCache is the process-wide uid of the TZMP trusted application.
type UIDCache struct {
	mu  sync.Mutex
	uid uint32
}

// NewUIDCache returns a cache in the invalid state.
func NewUIDCache() *UIDCache {
	return &UIDCache{uid: InvalidUID}
}

// Get returns the cached uid and whether it is established.
func (c *UIDCache) Get() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid, c.uid != InvalidUID
}

// Reset returns the cache to the invalid state.
func (c *UIDCache) Reset() {
	c.mu.Lock()
	c.uid = InvalidUID
	c.mu.Unlock()
}

// Tzmp2UID rewrites the uid of commands addressed to the TZMP trusted
// application. Opening a session establishes the shared uid; every other
// call substitutes it and fails while it is not established. Commands for
// other trusted applications are not touched.
func (e *Enhancer) Tzmp2UID(ctx *ClientContext, cmd *smc.Command, isGlobal bool) error {
	if ctx == nil || cmd == nil {
		return ErrInvalidArgument
	}
	if ctx.UUID != tzmpUUIDBytes {
		return nil
	}

	c := e.uids
	c.mu.Lock()
	if isGlobal && cmd.CmdID == smc.GlobalCmdIDOpenSession {
		c.uid = TZMPUID
		cmd.UID = TZMPUID
		c.mu.Unlock()
		return nil
	}
	uid := c.uid
	if uid != InvalidUID {
		cmd.UID = uid
	}
	c.mu.Unlock()

	if uid == InvalidUID {
		log.Warn().Str("cmd", cmd.String()).Msg("SECURITY: TZMP call before any session established its uid")
		e.report(audit.EventUIDUnavailable, cmd.DevFileID, cmd, "")
		return ErrUIDNotCached
	}
	return nil
}
