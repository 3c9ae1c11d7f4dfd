package auth

import (
	"errors"
	"fmt"

	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// Error classes. Every error returned by this package matches exactly one
// of them with errors.Is, except TEEError which carries the secure side's
// own verdict.
var (
	// ErrInvalidArgument covers missing buffers and wrong fixed sizes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoMemory covers allocation failure and undersized output buffers.
	ErrNoMemory = errors.New("out of memory")
	// ErrFault covers cryptographic, framing and protocol faults. It
	// deliberately does not say which check failed.
	ErrFault = errors.New("security fault")
)

var (
	ErrTimestampOverflow  = fmt.Errorf("%w: timestamp overflow", ErrFault)
	ErrTimestampUnderflow = fmt.Errorf("%w: timestamp underflow", ErrFault)
	ErrTokenMismatch      = fmt.Errorf("%w: token timestamp mismatch", ErrFault)
	ErrBadSyncFlag        = fmt.Errorf("%w: bad token sync flag", ErrFault)
	ErrNoRootKey          = fmt.Errorf("%w: root key not loaded", ErrFault)
	ErrUIDNotCached       = fmt.Errorf("%w: special uid not established", ErrFault)
	ErrSessionNotFound    = fmt.Errorf("%w: session not found", ErrFault)
)

// TEEError is returned when the secure side itself rejected a call made on
// the driver's behalf. Origin is never smc.OriginComms.
type TEEError struct {
	Origin uint32
	Code   uint32
}

func (e *TEEError) Error() string {
	return (&smc.CallError{Origin: e.Origin, Code: e.Code}).Error()
}

// callError classifies a completed or failed secure call. A failure that
// did not come from the TEE collapses to ErrFault.
func callError(cmd *smc.Command, transportErr error) error {
	if transportErr == nil && cmd.RetVal == smc.ResultSuccess {
		return nil
	}
	if cmd.ErrOrigin != smc.OriginComms && cmd.RetVal != smc.ResultSuccess {
		return &TEEError{Origin: cmd.ErrOrigin, Code: cmd.RetVal}
	}
	if transportErr != nil {
		return fmt.Errorf("%w: %v", ErrFault, transportErr)
	}
	return ErrFault
}
