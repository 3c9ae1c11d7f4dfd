package auth

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gitee2github/itrustee-tzdriver/audit"
	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// ErrEmptyToken is returned for a token buffer that is entirely zero.
var ErrEmptyToken = fmt.Errorf("%w: empty token", ErrFault)

// UpdateTimestamp advances the anti-replay counter in the mailbox token of
// an in-session command and marks the token unacknowledged. Other command
// types pass through.
func (e *Enhancer) UpdateTimestamp(devFileID uint32, cmd *smc.Command) error {
	if cmd == nil {
		return ErrInvalidArgument
	}
	if cmd.CmdType != smc.CmdTypeTA {
		return nil
	}

	token, err := e.tokenBuffer(cmd)
	if err != nil {
		return fmt.Errorf("%w: token buffer not mapped", ErrFault)
	}
	if isZero(token) {
		log.Warn().Str("cmd", cmd.String()).Msg("SECURITY: Rejected call with empty token")
		e.report(audit.EventTimestampFault, devFileID, cmd, "empty token")
		return ErrEmptyToken
	}

	found, err := e.withSession(devFileID, cmd, func(s Session) error {
		return changeTimestamp(token, s.SecureInfo().Scrambling[ScramblingKey], inc)
	})
	if !found {
		return ErrSessionNotFound
	}
	if err != nil {
		log.Warn().Err(err).Str("cmd", cmd.String()).Msg("SECURITY: Failed to advance token timestamp")
		e.report(audit.EventTimestampFault, devFileID, cmd, "increment")
		return err
	}

	token[SyncIndex] = UnSynced
	return nil
}

// SyncTimestamp rolls back the counter of a token the TEE did not
// acknowledge. isGlobal marks session lifecycle calls; opening a session is
// exempt because it issues a fresh token.
func (e *Enhancer) SyncTimestamp(devFileID uint32, cmd *smc.Command, token []byte, isGlobal bool) error {
	if cmd == nil || len(token) != TokenLen {
		return ErrInvalidArgument
	}
	if isGlobal && cmd.CmdID == smc.GlobalCmdIDOpenSession {
		return nil
	}

	switch token[SyncIndex] {
	case IsSynced:
		return nil
	case UnSynced:
		found, err := e.withSession(devFileID, cmd, func(s Session) error {
			return changeTimestamp(token, s.SecureInfo().Scrambling[ScramblingKey], dec)
		})
		if !found {
			return ErrSessionNotFound
		}
		if err != nil {
			log.Warn().Err(err).Str("cmd", cmd.String()).Msg("SECURITY: Failed to roll back token timestamp")
			e.report(audit.EventTimestampFault, devFileID, cmd, "decrement")
		}
		return err
	default:
		log.Warn().Uint8("flag", token[SyncIndex]).Str("cmd", cmd.String()).Msg("SECURITY: Invalid token sync flag")
		e.report(audit.EventSyncFault, devFileID, cmd, fmt.Sprintf("flag 0x%02x", token[SyncIndex]))
		return ErrBadSyncFlag
	}
}

// UpdateChksum obfuscates the operation address and caller pid of an
// in-session command with the session's operation scrambler. The address
// halves are only touched when at least one is non-zero. A command without
// a session passes through unchanged.
//
// Despite the name no checksum is computed; the transform is a plain XOR
// and carries no authentication.
func (e *Enhancer) UpdateChksum(devFileID uint32, cmd *smc.Command) error {
	if cmd == nil {
		return ErrInvalidArgument
	}
	if cmd.CmdType != smc.CmdTypeTA {
		return nil
	}

	_, err := e.withSession(devFileID, cmd, func(s Session) error {
		ScrambleOperation(cmd, s.SecureInfo().Scrambling[ScramblingOperation])
		return nil
	})
	return err
}

// VerifyChksum is the post-call counterpart of UpdateChksum. It resolves
// the session and releases it; there is nothing to verify.
func (e *Enhancer) VerifyChksum(devFileID uint32, cmd *smc.Command) error {
	if cmd == nil {
		return ErrInvalidArgument
	}
	if cmd.CmdType != smc.CmdTypeTA {
		return nil
	}

	_, err := e.withSession(devFileID, cmd, func(Session) error { return nil })
	return err
}

// ScrambleOperation applies the operation scrambler to cmd. The secure side
// undoes it by applying it again.
func ScrambleOperation(cmd *smc.Command, scrambler uint32) {
	if cmd.OperationPhys != 0 || cmd.OperationHPhys != 0 {
		cmd.OperationPhys ^= scrambler
		cmd.OperationHPhys ^= scrambler
	}
	cmd.PID ^= scrambler
}
