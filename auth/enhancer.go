// Package auth implements the session security enhancements applied to
// every secure call: the anti-replay timestamp carried in the session
// token, obfuscation of command fields, the encrypted exchange that
// provisions per-session keys from the TEE, the split of the token between
// kernel and client, and the special-UID cache of the TZMP trusted
// application.
//
// Session lookup, the mailbox allocator, the transport and client memory
// are consumed through the interfaces below. The caller serializes
// open, invoke and close on one session; this package adds no per-session
// locking of its own.
package auth

import (
	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Session is the part of a session object this package works on.
type Session interface {
	SecureInfo() *SecureInfo
	// Token returns the kernel-held TokenLen buffer.
	Token() []byte
}

// Sessions resolves the session a command belongs to. Every successful
// Find must be paired with exactly one Release.
type Sessions interface {
	Find(devFileID uint32, cmd *smc.Command) (Session, bool)
	Release(s Session)
}

// Mailbox provides buffers that cross the secure-call boundary.
type Mailbox interface {
	Alloc(size int) (*mailbox.Buffer, error)
	Free(b *mailbox.Buffer)
	Lookup(phys uint64) ([]byte, bool)
}

// ClientMemory copies to and from the memory of the calling client. For
// kernel clients it is plain memory; for user clients it may fault.
type ClientMemory interface {
	Size() int
	ReadFromClient(dst []byte) error
	WriteToClient(src []byte) error
}

// Config wires an Enhancer to its collaborators.
type Config struct {
	Sessions Sessions
	Mailbox  Mailbox
	Caller   smc.Caller
	Engine   *aescbc.Engine
	RootKey  *RootKey
	UIDs     *UIDCache
	Reporter audit.Reporter
}

// Enhancer is the handle to the process-wide protocol state. All of its
// methods are safe for concurrent use across sessions.
type Enhancer struct {
	sessions Sessions
	mb       Mailbox
	caller   smc.Caller
	engine   *aescbc.Engine
	rootKey  *RootKey
	uids     *UIDCache
	reporter audit.Reporter
}

// New creates an Enhancer. A nil Engine, RootKey, UIDCache or Reporter is
// replaced with a fresh default.
func New(cfg Config) *Enhancer {
	e := &Enhancer{
		sessions: cfg.Sessions,
		mb:       cfg.Mailbox,
		caller:   cfg.Caller,
		engine:   cfg.Engine,
		rootKey:  cfg.RootKey,
		uids:     cfg.UIDs,
		reporter: cfg.Reporter,
	}
	if e.engine == nil {
		e.engine = aescbc.NewEngine(nil)
	}
	if e.rootKey == nil {
		e.rootKey = NewRootKey()
	}
	if e.uids == nil {
		e.uids = NewUIDCache()
	}
	if e.reporter == nil {
		e.reporter = audit.LogReporter{}
	}
	return e
}

// RootKey returns the process-wide root key state.
func (e *Enhancer) RootKey() *RootKey { return e.rootKey }

// UIDs returns the special-UID cache.
func (e *Enhancer) UIDs() *UIDCache { return e.uids }

// withSession resolves the session for cmd, runs fn and releases the
// session on every path. found is false when no session matched; fn is
// not called in that case.
func (e *Enhancer) withSession(devFileID uint32, cmd *smc.Command, fn func(Session) error) (found bool, err error) {
	if e.sessions == nil {
		return false, nil
	}
	s, ok := e.sessions.Find(devFileID, cmd)
	if !ok {
		return false, nil
	}
	defer e.sessions.Release(s)
	return true, fn(s)
}

func (e *Enhancer) report(t audit.EventType, devFileID uint32, cmd *smc.Command, detail string) {
	ev := audit.NewEvent(t)
	ev.DevFileID = devFileID
	if cmd != nil {
		ev.SessionID = cmd.ContextID
		ev.CmdType = cmd.CmdType
		ev.CmdID = cmd.CmdID
		ev.Origin = cmd.ErrOrigin
		ev.Code = cmd.RetVal
	}
	ev.Detail = detail
	e.reporter.Report(ev)
}

// tokenBuffer resolves the mailbox copy of the token a command points at.
func (e *Enhancer) tokenBuffer(cmd *smc.Command) ([]byte, error) {
	if e.mb == nil {
		return nil, ErrInvalidArgument
	}
	buf, ok := e.mb.Lookup(mailbox.JoinPhys(cmd.TokenPhys, cmd.TokenHPhys))
	if !ok || len(buf) < TokenLen {
		return nil, ErrInvalidArgument
	}
	return buf[:TokenLen], nil
}
