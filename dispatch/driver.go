// Package dispatch is the REE call front-end. It turns open, invoke and
// close requests of one device file into secure calls and runs each of
// them through the session security enhancements of package auth.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/auth"
	"github.com/gitee2github/itrustee-tzdriver/hardening"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/session"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Login methods
const (
	LoginPublic   uint32 = 0
	LoginIdentify uint32 = 7
)

// MaxPendingResends bounds how often one call is resent after the TEE
// answered pending.
const MaxPendingResends = 8

var (
	// ErrClosed is returned for calls on a closed session handle.
	ErrClosed = errors.New("session handle closed")
	// ErrOperationSize is returned for operations larger than the mailbox
	// operation buffer.
	ErrOperationSize = fmt.Errorf("operation exceeds %d bytes", mailbox.OperationSize)
)

// Config wires a Driver.
type Config struct {
	DevFileID uint32
	// KernelAPI marks calls made on behalf of kernel clients.
	KernelAPI byte
	Pool      *mailbox.Pool
	Sessions  *session.Manager
	Enhancer  *auth.Enhancer
	Caller    smc.Caller
	Reporter  audit.Reporter
}

// Driver is one open device file.
type Driver struct {
	devFileID uint32
	kernelAPI byte
	pool      *mailbox.Pool
	sessions  *session.Manager
	enhancer  *auth.Enhancer
	caller    smc.Caller
	reporter  audit.Reporter
}

// Handle is a client's view of an open session.
type Handle struct {
	UUID      uuid.UUID
	SessionID uint32

	ctx    *auth.ClientContext
	token  *tokenMemory
	key    session.Key
	closed bool
	mu     sync.Mutex
}

// New creates a driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Pool == nil || cfg.Sessions == nil || cfg.Enhancer == nil || cfg.Caller == nil {
		return nil, fmt.Errorf("pool, sessions, enhancer and caller are required")
	}
	d := &Driver{
		devFileID: cfg.DevFileID,
		kernelAPI: cfg.KernelAPI,
		pool:      cfg.Pool,
		sessions:  cfg.Sessions,
		enhancer:  cfg.Enhancer,
		caller:    cfg.Caller,
		reporter:  cfg.Reporter,
	}
	if d.reporter == nil {
		d.reporter = audit.LogReporter{}
	}
	return d, nil
}

// Init fetches the session root key unless it is already loaded.
func (d *Driver) Init() error {
	if d.enhancer.RootKey().Loaded() {
		return nil
	}
	return d.enhancer.FetchRootKey(d.devFileID)
}

func callResult(cmd *smc.Command, err error) error {
	if err != nil {
		return err
	}
	return smc.Result(cmd)
}

func (d *Driver) command(h *Handle, cmdType, cmdID uint32) *smc.Command {
	return &smc.Command{
		UUID:      h.ctx.UUID,
		CmdType:   cmdType,
		CmdID:     cmdID,
		DevFileID: d.devFileID,
		ContextID: h.SessionID,
		ErrOrigin: smc.OriginComms,
		UID:       h.ctx.UID,
		Started:   h.ctx.Started,
	}
}

func (d *Driver) callParams(h *Handle, flags uint8, s auth.Session) *auth.CallParams {
	return &auth.CallParams{
		DevFileID: d.devFileID,
		KernelAPI: d.kernelAPI,
		Flags:     flags,
		Context:   h.ctx,
		Session:   s,
	}
}

// OpenSession opens a session with the trusted application id. A non-empty
// login is sent encrypted under the new session's key.
func (d *Driver) OpenSession(id uuid.UUID, login string) (_ *Handle, err error) {
	uid, tgid := hardening.Caller()
	h := &Handle{UUID: id, token: &tokenMemory{}}
	h.ctx = &auth.ClientContext{
		UUID:  smc.UUIDBytes(id),
		CmdID: smc.GlobalCmdIDOpenSession,
		UID:   uid,
		PID:   tgid,
		Token: h.token,
	}

	s := d.sessions.Create(d.devFileID, h.ctx.UUID)
	defer func() {
		if err != nil {
			d.sessions.Discard(s)
			h.token.wipe()
			log.Warn().Err(err).Str("uuid", id.String()).Msg("Open session failed")
		}
	}()

	flags := auth.CallGlobal | auth.CallSync
	if login != "" {
		flags |= auth.CallLogin
	}
	p := d.callParams(h, flags, s)

	if err := d.enhancer.GetSessionSecureParams(p); err != nil {
		return nil, fmt.Errorf("secure params exchange failed: %w", err)
	}

	pack, err := d.pool.AllocCmdPack()
	if err != nil {
		return nil, err
	}
	defer d.pool.FreeCmdPack(pack)

	cmd := d.command(h, smc.CmdTypeGlobal, smc.GlobalCmdIDOpenSession)
	cmd.OperationPhys, cmd.OperationHPhys = mailbox.SplitPhys(pack.Operation.Phys())
	op := &auth.OpParams{Cmd: cmd, Pack: pack}

	if err := d.enhancer.Tzmp2UID(h.ctx, cmd, true); err != nil {
		return nil, err
	}
	if err := d.enhancer.LoadSecurityEnhanceInfo(p, op); err != nil {
		return nil, err
	}
	if login != "" {
		if err := d.loadLogin(cmd, pack, login, s); err != nil {
			return nil, err
		}
	}

	if err := callResult(cmd, d.caller.Call(cmd)); err != nil {
		h.ctx.ReturnOrigin = cmd.ErrOrigin
		return nil, err
	}
	if err := d.enhancer.PostProcessToken(p, op); err != nil {
		return nil, err
	}
	if err := d.sessions.Register(s, cmd.ContextID); err != nil {
		return nil, err
	}

	h.SessionID = cmd.ContextID
	h.key = s.Key()
	h.ctx.SessionID = cmd.ContextID
	h.ctx.Started = true

	log.Info().
		Uint32("dev_file_id", d.devFileID).
		Uint32("session_id", h.SessionID).
		Str("uuid", id.String()).
		Msg("Session opened")
	return h, nil
}

// loadLogin places the encrypted login information in the command pack.
func (d *Driver) loadLogin(cmd *smc.Command, pack *mailbox.CmdPack, login string, s auth.Session) error {
	if !auth.IsOpenSessionByIndex(auth.CallGlobal, cmd.CmdID, 2) {
		return nil
	}
	buf := pack.LoginData.Bytes()
	if len(login) >= len(buf) {
		return fmt.Errorf("%w: login info is %d bytes", auth.ErrInvalidArgument, len(login))
	}
	copy(buf, login)

	n, err := d.enhancer.EncryptLoginInfo(len(login), buf, s.SecureInfo().Crypto.Key[:])
	if err != nil {
		return err
	}
	cmd.LoginMethod = LoginIdentify
	cmd.LoginDataPhy, cmd.LoginDataHAddr = mailbox.SplitPhys(pack.LoginData.Phys())
	cmd.LoginDataLen = uint32(n)
	return nil
}

// session takes a reference on the handle's session for one call.
func (d *Driver) session(h *Handle) (*session.Session, error) {
	if h.closed {
		return nil, ErrClosed
	}
	s, ok := d.sessions.Get(h.key)
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

// Invoke runs cmdID of the session's trusted application. operation is
// passed in the mailbox operation buffer and receives what the application
// wrote there.
func (d *Driver) Invoke(ctx context.Context, h *Handle, cmdID uint32, operation []byte) error {
	if len(operation) > mailbox.OperationSize {
		return ErrOperationSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := d.session(h)
	if err != nil {
		return err
	}
	defer d.sessions.Release(s)

	pack, err := d.pool.AllocCmdPack()
	if err != nil {
		return err
	}
	defer d.pool.FreeCmdPack(pack)

	h.ctx.CmdID = cmdID
	cmd := d.command(h, smc.CmdTypeTA, cmdID)
	if operation != nil {
		copy(pack.Operation.Bytes(), operation)
		cmd.OperationPhys, cmd.OperationHPhys = mailbox.SplitPhys(pack.Operation.Phys())
	}
	p := d.callParams(h, auth.CallSync, s)
	op := &auth.OpParams{Cmd: cmd, Pack: pack}

	if err := d.enhancer.Tzmp2UID(h.ctx, cmd, false); err != nil {
		return err
	}
	if err := d.enhancer.LoadSecurityEnhanceInfo(p, op); err != nil {
		return err
	}
	if err := d.enhancer.UpdateTimestamp(d.devFileID, cmd); err != nil {
		return err
	}
	if err := d.enhancer.UpdateChksum(d.devFileID, cmd); err != nil {
		return err
	}

	callErr := d.send(ctx, p, op)

	if err := d.enhancer.VerifyChksum(d.devFileID, cmd); err != nil {
		return err
	}
	if err := d.enhancer.PostProcessToken(p, op); err != nil {
		return errors.Join(callErr, err)
	}
	if callErr != nil {
		h.ctx.ReturnOrigin = cmd.ErrOrigin
		return callErr
	}

	copy(operation, pack.Operation.Bytes())
	return nil
}

// send crosses into the TEE, resending with a refreshed token while the
// TEE answers pending.
func (d *Driver) send(ctx context.Context, p *auth.CallParams, op *auth.OpParams) error {
	cmd := op.Cmd
	for resends := 0; ; resends++ {
		err := d.caller.Call(cmd)
		if err != nil || cmd.RetVal != smc.ResultPending {
			return callResult(cmd, err)
		}
		if resends == MaxPendingResends {
			return fmt.Errorf("call still pending after %d resends: %w", resends, smc.Result(cmd))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		log.Debug().Str("cmd", cmd.String()).Int("resend", resends+1).Msg("Resending pending call")
		if err := d.enhancer.AppendTEECToken(p, op); err != nil {
			return err
		}
		if err := d.enhancer.UpdateTimestamp(d.devFileID, cmd); err != nil {
			return err
		}
	}
}

// CloseSession closes the session in the TEE and drops it locally. The
// local session is dropped even when the TEE refuses.
func (d *Driver) CloseSession(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := d.session(h)
	if err != nil {
		return err
	}
	defer func() {
		d.sessions.Release(s)
		if cerr := d.sessions.Close(h.key); cerr != nil {
			log.Debug().Err(cerr).Msg("Session already gone")
		}
		h.closed = true
		h.token.wipe()

		ev := audit.NewEvent(audit.EventSessionClosed)
		ev.DevFileID = d.devFileID
		ev.SessionID = h.SessionID
		d.reporter.Report(ev)
	}()

	pack, err := d.pool.AllocCmdPack()
	if err != nil {
		return err
	}
	defer d.pool.FreeCmdPack(pack)

	h.ctx.CmdID = smc.GlobalCmdIDCloseSession
	cmd := d.command(h, smc.CmdTypeGlobal, smc.GlobalCmdIDCloseSession)
	p := d.callParams(h, auth.CallGlobal|auth.CallSync, s)
	op := &auth.OpParams{Cmd: cmd, Pack: pack}

	if err := d.enhancer.Tzmp2UID(h.ctx, cmd, true); err != nil {
		return err
	}
	if err := d.enhancer.LoadSecurityEnhanceInfo(p, op); err != nil {
		return err
	}

	callErr := callResult(cmd, d.caller.Call(cmd))
	if err := d.enhancer.PostProcessToken(p, op); err != nil {
		return errors.Join(callErr, err)
	}
	return callErr
}

// Close drops every session of the device file without telling the TEE.
func (d *Driver) Close() int {
	n := d.sessions.CloseDevice(d.devFileID)
	if n > 0 {
		log.Info().Uint32("dev_file_id", d.devFileID).Int("sessions", n).Msg("Device file closed with open sessions")
	}
	return n
}
