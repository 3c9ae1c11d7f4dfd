package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/aescbc"
	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/mailbox"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// sessionToken returns the kernel-held token of the call's session.
func sessionToken(p *CallParams) ([]byte, error) {
	if p.Session == nil {
		return nil, fmt.Errorf("%w: no session", ErrInvalidArgument)
	}
	token := p.Session.Token()
	if len(token) != TokenLen {
		return nil, fmt.Errorf("%w: session token is %d bytes", ErrInvalidArgument, len(token))
	}
	return token, nil
}

func mailboxToken(op *OpParams) ([]byte, error) {
	if op.Pack == nil || op.Pack.Token == nil || op.Pack.Token.Len() != TokenLen {
		return nil, fmt.Errorf("%w: mailbox token", ErrInvalidArgument)
	}
	return op.Pack.Token.Bytes(), nil
}

// readClientToken copies the client's token fragment into dst.
func readClientToken(ctx *ClientContext, dst *[ClientTokenLen]byte) error {
	if ctx.Token == nil || ctx.Token.Size() != ClientTokenLen {
		return fmt.Errorf("%w: client token", ErrInvalidArgument)
	}
	if err := ctx.Token.ReadFromClient(dst[:]); err != nil {
		return fmt.Errorf("%w: read client token: %v", ErrFault, err)
	}
	return nil
}

// fillTokenInfo rebuilds the kernel token for an outgoing call, copies it
// into the mailbox and points the command at it.
func (e *Enhancer) fillTokenInfo(p *CallParams, op *OpParams, isGlobal bool) error {
	kernel, err := sessionToken(p)
	if err != nil {
		return err
	}
	mb, err := mailboxToken(op)
	if err != nil {
		return err
	}
	if p.Context.Token == nil {
		return fmt.Errorf("%w: client token", ErrInvalidArgument)
	}

	if p.Context.CmdID == smc.GlobalCmdIDCloseSession || !isGlobal {
		if err := e.combineTempToken(p, op.Cmd, kernel); err != nil {
			return err
		}
	} else {
		aescbc.Wipe(kernel)
	}

	copy(mb, kernel)
	op.Cmd.PID = p.Context.PID
	op.Cmd.TokenPhys, op.Cmd.TokenHPhys = mailbox.SplitPhys(op.Pack.Token.Phys())
	return nil
}

// combineTempToken merges the client's identity bytes into the kernel
// token after checking that the client's timestamp matches the kernel's.
// On any failure the kernel token is wiped.
func (e *Enhancer) combineTempToken(p *CallParams, cmd *smc.Command, kernel []byte) error {
	var client [ClientTokenLen]byte
	defer aescbc.Wipe(client[:])

	if err := readClientToken(p.Context, &client); err != nil {
		aescbc.Wipe(kernel)
		return err
	}

	ct, err := DecodeClientToken(client[:])
	if err != nil {
		aescbc.Wipe(kernel)
		return err
	}
	defer aescbc.Wipe(ct.Identity[:])

	tok, err := DecodeToken(kernel)
	if err != nil {
		aescbc.Wipe(kernel)
		return err
	}
	defer tok.wipe()

	if subtle.ConstantTimeCompare(ct.Timestamp[:], tok.Timestamp[:]) != 1 {
		aescbc.Wipe(kernel)
		log.Warn().Uint32("dev_file_id", p.DevFileID).Str("cmd", cmd.String()).Msg("SECURITY: Client token timestamp does not match")
		e.report(audit.EventTokenMismatch, p.DevFileID, cmd, "")
		return ErrTokenMismatch
	}

	tok.Identity = ct.Identity
	tok.KernelAPI = p.KernelAPI
	return tok.Encode(kernel)
}

// AppendTEECToken refreshes the mailbox token of an in-session call that is
// being resent. The client's identity bytes are merged without the
// timestamp check; the timestamp was checked when the call was first
// loaded.
func (e *Enhancer) AppendTEECToken(p *CallParams, op *OpParams) error {
	if p == nil {
		return ErrInvalidArgument
	}
	if p.IsGlobal() {
		return nil
	}
	if op == nil || op.Cmd == nil || p.Context == nil {
		return ErrInvalidArgument
	}

	kernel, err := sessionToken(p)
	if err != nil {
		return err
	}
	mb, err := mailboxToken(op)
	if err != nil {
		return err
	}

	var client [ClientTokenLen]byte
	defer aescbc.Wipe(client[:])
	if err := readClientToken(p.Context, &client); err != nil {
		return err
	}

	ct, err := DecodeClientToken(client[:])
	if err != nil {
		return err
	}
	defer aescbc.Wipe(ct.Identity[:])

	tok, err := DecodeToken(kernel)
	if err != nil {
		return err
	}
	defer tok.wipe()

	tok.Identity = ct.Identity
	if err := tok.Encode(kernel); err != nil {
		return err
	}
	copy(mb, kernel)
	return nil
}

// PostProcessToken takes the token the TEE returned, rolls back an
// unacknowledged timestamp and hands the identity and timestamp back to
// the client. The mailbox copy is wiped.
func (e *Enhancer) PostProcessToken(p *CallParams, op *OpParams) error {
	if p == nil || op == nil || op.Cmd == nil {
		return ErrInvalidArgument
	}

	isGlobal := p.IsGlobal()
	if !isTokenWork(isGlobal, op.Cmd) {
		return nil
	}
	if p.Context == nil || p.Context.Token == nil {
		return ErrInvalidArgument
	}

	kernel, err := sessionToken(p)
	if err != nil {
		return err
	}
	mb, err := mailboxToken(op)
	if err != nil {
		return err
	}

	copy(kernel, mb)
	aescbc.Wipe(mb)

	if err := e.SyncTimestamp(p.DevFileID, op.Cmd, kernel, isGlobal); err != nil {
		return err
	}
	return e.saveTokenInfo(p.Context, kernel)
}

// saveTokenInfo writes the identity and timestamp to the client and clears
// the identity from the kernel copy.
func (e *Enhancer) saveTokenInfo(ctx *ClientContext, kernel []byte) error {
	if ctx.Token.Size() != ClientTokenLen {
		return fmt.Errorf("%w: client token is %d bytes", ErrInvalidArgument, ctx.Token.Size())
	}

	tok, err := DecodeToken(kernel)
	if err != nil {
		return err
	}
	defer tok.wipe()

	ct := &ClientToken{Identity: tok.Identity, Timestamp: tok.Timestamp}
	defer aescbc.Wipe(ct.Identity[:])

	var buf [ClientTokenLen]byte
	defer aescbc.Wipe(buf[:])
	if err := ct.Encode(buf[:]); err != nil {
		return err
	}

	if err := ctx.Token.WriteToClient(buf[:]); err != nil {
		return fmt.Errorf("%w: write client token: %v", ErrFault, err)
	}
	tok.Identity = [IdentityLen]byte{}
	return tok.Encode(kernel)
}
