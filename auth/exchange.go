package auth

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Call flags.
const (
	CallGlobal uint8 = 0x01
	CallSync   uint8 = 0x02
	CallLogin  uint8 = 0x04
)

// ClientContext describes the client call being processed.
type ClientContext struct {
	UUID      [smc.UUIDLen]byte
	SessionID uint32
	CmdID     uint32
	Started   bool
	// UID and PID identify the calling process.
	UID uint32
	PID uint32
	// Token is where the client keeps its ClientTokenLen bytes.
	Token ClientMemory
	// ReturnOrigin receives the origin of a failure reported by the TEE.
	ReturnOrigin uint32
}

// CallParams is one call as seen by the dispatch front-end.
type CallParams struct {
	DevFileID uint32
	KernelAPI byte
	Flags     uint8
	Context   *ClientContext
	// Session is borrowed for the duration of the call.
	Session Session
}

// IsGlobal reports whether the call is a session lifecycle call.
func (p *CallParams) IsGlobal() bool {
	return p.Flags&CallGlobal != 0
}

// OpParams are the command and mailbox buffers of one call.
type OpParams struct {
	Cmd  *smc.Command
	Pack *mailbox.CmdPack
}

// GetSessionSecureParams provisions the session's scrambling values and
// key from the TEE. The challenge word travels encrypted under the root
// key and the answer comes back under the same key. On any failure the
// session's secure info is wiped.
//
// A failure reported by the TEE is returned as *TEEError and its origin is
// stored in the client context; any other failure is ErrFault or a more
// specific class.
func (e *Enhancer) GetSessionSecureParams(p *CallParams) (err error) {
	if p == nil || p.Context == nil || p.Session == nil {
		return ErrInvalidArgument
	}
	if e.mb == nil || e.caller == nil {
		return ErrInvalidArgument
	}

	info := p.Session.SecureInfo()
	defer func() {
		if err != nil {
			info.Wipe()
			log.Warn().Err(err).Uint32("dev_file_id", p.DevFileID).Msg("SECURITY: Session secure params exchange failed")
			e.report(audit.EventProvisionFailed, p.DevFileID, nil, err.Error())
		}
	}()

	rootKey, err := e.rootKey.key()
	if err != nil {
		return err
	}
	defer aescbc.Wipe(rootKey[:])

	challenge, err := e.engine.Random().Uint32()
	if err != nil {
		return fmt.Errorf("%w: challenge word: %v", ErrFault, err)
	}
	info.ChallengeWord = challenge

	buf, err := e.mb.Alloc(EncSecureParamsSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	defer e.mb.Free(buf)

	req := &REEToTEE{ChallengeWord: challenge}
	err = SealParams(e.engine, req, rootKey[:], buf.Bytes())
	req.wipe()
	if err != nil {
		return err
	}

	cmd := &smc.Command{
		UUID:      p.Context.UUID,
		CmdType:   smc.CmdTypeGlobal,
		CmdID:     smc.GlobalCmdIDGetSessionSecureParams,
		DevFileID: p.DevFileID,
		ContextID: p.Context.SessionID,
		ErrOrigin: smc.OriginComms,
		UID:       p.Context.UID,
		Started:   p.Context.Started,
	}
	cmd.ParamsPhys, cmd.ParamsHPhys = mailbox.SplitPhys(buf.Phys())

	if err := callError(cmd, e.caller.Call(cmd)); err != nil {
		var teeErr *TEEError
		if errors.As(err, &teeErr) {
			p.Context.ReturnOrigin = teeErr.Origin
		}
		return err
	}

	resp, err := OpenParams(e.engine, buf.Bytes(), rootKey[:], DirTEEToREE)
	if err != nil {
		return err
	}
	tee := resp.(*TEEToREE)
	defer tee.wipe()

	info.Scrambling = tee.Scrambling
	info.Crypto = tee.Crypto

	e.report(audit.EventProvisioned, p.DevFileID, cmd, "")
	return nil
}

// CleanSessionSecureInformation wipes a session's provisioned material.
func CleanSessionSecureInformation(s Session) {
	if s == nil {
		return
	}
	s.SecureInfo().Wipe()
}

// isTokenWork reports whether a call carries a token: every in-session
// call, opening a session and closing one.
func isTokenWork(isGlobal bool, cmd *smc.Command) bool {
	return !isGlobal ||
		cmd.CmdID == smc.GlobalCmdIDOpenSession ||
		cmd.CmdID == smc.GlobalCmdIDCloseSession
}

// LoadSecurityEnhanceInfo prepares the token of an outgoing call and, when
// a session is being opened, the challenge sealed under the session key.
func (e *Enhancer) LoadSecurityEnhanceInfo(p *CallParams, op *OpParams) error {
	if p == nil || op == nil || op.Cmd == nil {
		return ErrInvalidArgument
	}

	isGlobal := p.IsGlobal()
	if !isTokenWork(isGlobal, op.Cmd) {
		return nil
	}
	if p.Context == nil || op.Pack == nil {
		return ErrFault
	}

	if err := e.fillTokenInfo(p, op, isGlobal); err != nil {
		log.Error().Err(err).
			Bool("global", isGlobal).
			Uint32("cmd_id", op.Cmd.CmdID).
			Uint32("session_id", op.Cmd.ContextID).
			Msg("Failed to fill token info")
		return err
	}

	if !(isGlobal && op.Cmd.CmdID == smc.GlobalCmdIDOpenSession) {
		return nil
	}
	if p.Session == nil {
		return fmt.Errorf("%w: no session to load secure info from", ErrFault)
	}

	info := p.Session.SecureInfo()
	req := &REEToTEE{ChallengeWord: info.ChallengeWord}
	err := SealParams(e.engine, req, info.Crypto.Key[:], op.Pack.SecureParams.Bytes())
	req.wipe()
	if err != nil {
		log.Error().Err(err).Msg("Failed to seal open session params")
		return fmt.Errorf("%w: %v", ErrFault, err)
	}

	op.Cmd.ParamsPhys, op.Cmd.ParamsHPhys = mailbox.SplitPhys(op.Pack.SecureParams.Phys())
	return nil
}
