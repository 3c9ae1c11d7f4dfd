package smc

import "fmt"

// Error origins
const (
	OriginAPI        uint32 = 1
	OriginComms      uint32 = 2
	OriginTEE        uint32 = 3
	OriginTrustedApp uint32 = 4
)

// Result codes
const (
	ResultSuccess        uint32 = 0x00000000
	ResultGeneric        uint32 = 0xFFFF0000
	ResultAccessDenied   uint32 = 0xFFFF0001
	ResultCancel         uint32 = 0xFFFF0002
	ResultBadFormat      uint32 = 0xFFFF0005
	ResultBadParameters  uint32 = 0xFFFF0006
	ResultBadState       uint32 = 0xFFFF0007
	ResultItemNotFound   uint32 = 0xFFFF0008
	ResultNotImplemented uint32 = 0xFFFF0009
	ResultNotSupported   uint32 = 0xFFFF000A
	ResultOutOfMemory    uint32 = 0xFFFF000C
	ResultCommunication  uint32 = 0xFFFF000E
	ResultSecurity       uint32 = 0xFFFF000F
	ResultShortBuffer    uint32 = 0xFFFF0010
	ResultPending        uint32 = 0xFFFF2000
)

// CallError describes a failed secure call.
type CallError struct {
	Origin uint32
	Code   uint32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("secure call failed: origin %s, code 0x%08x", originName(e.Origin), e.Code)
}

// FromTEE reports whether the failure was reported by the secure side
// rather than the communication path.
func (e *CallError) FromTEE() bool {
	return e.Origin != OriginComms
}

// Result returns a *CallError for a command that completed with a non-zero
// result, or nil.
func Result(cmd *Command) error {
	if cmd.RetVal == ResultSuccess {
		return nil
	}
	return &CallError{Origin: cmd.ErrOrigin, Code: cmd.RetVal}
}

// Fail records a failure on cmd.
func Fail(cmd *Command, origin, code uint32) {
	cmd.ErrOrigin = origin
	cmd.RetVal = code
}

func originName(origin uint32) string {
	switch origin {
	case OriginAPI:
		return "api"
	case OriginComms:
		return "comms"
	case OriginTEE:
		return "tee"
	case OriginTrustedApp:
		return "trusted_app"
	default:
		return fmt.Sprintf("unknown(%d)", origin)
	}
}
