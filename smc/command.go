// Package smc defines the secure-call command that crosses from the REE into
// the TEE, the result and origin codes that come back, and the transport
// that carries commands and their mailbox buffers over vsock (or TCP in
// development mode).
package smc

import (
	"fmt"

	"github.com/google/uuid"
)

// UUIDLen is the size of a trusted application identity on the wire.
const UUIDLen = 16

// Command types
const (
	CmdTypeGlobal uint32 = iota
	CmdTypeTA
	CmdTypeTAAgent
	CmdTypeTA2TAAgent
	CmdTypeBuiltinAgent
)

// Global command ids
const (
	GlobalCmdIDInvalid                uint32 = 0x00
	GlobalCmdIDBootAck                uint32 = 0x01
	GlobalCmdIDOpenSession            uint32 = 0x02
	GlobalCmdIDCloseSession           uint32 = 0x03
	GlobalCmdIDLoadSecureApp          uint32 = 0x04
	GlobalCmdIDNeedLoadApp            uint32 = 0x05
	GlobalCmdIDRegisterAgent          uint32 = 0x06
	GlobalCmdIDUnregisterAgent        uint32 = 0x07
	GlobalCmdIDTEETime                uint32 = 0x0d
	GlobalCmdIDTEEInfo                uint32 = 0x0e
	GlobalCmdIDSetCAHash              uint32 = 0x13
	GlobalCmdIDGetSessionSecureParams uint32 = 0x16
	GlobalCmdIDGetSessionRootKey      uint32 = 0x17
)

// Command is one secure call. Field order and widths follow the packed
// structure the TEE reads; the CBOR keys are only used by the transport.
type Command struct {
	UUID           [UUIDLen]byte `cbor:"1,keyasint"`
	CmdType        uint32        `cbor:"2,keyasint"`
	CmdID          uint32        `cbor:"3,keyasint"`
	DevFileID      uint32        `cbor:"4,keyasint"`
	ContextID      uint32        `cbor:"5,keyasint"`
	AgentID        uint32        `cbor:"6,keyasint"`
	OperationPhys  uint32        `cbor:"7,keyasint"`
	OperationHPhys uint32        `cbor:"8,keyasint"`
	LoginMethod    uint32        `cbor:"9,keyasint"`
	LoginDataPhy   uint32        `cbor:"10,keyasint"`
	LoginDataHAddr uint32        `cbor:"11,keyasint"`
	LoginDataLen   uint32        `cbor:"12,keyasint"`
	ErrOrigin      uint32        `cbor:"13,keyasint"`
	RetVal         uint32        `cbor:"14,keyasint"`
	EventNr        uint32        `cbor:"15,keyasint"`
	UID            uint32        `cbor:"16,keyasint"`
	CAPid          uint32        `cbor:"17,keyasint"`
	TokenPhys      uint32        `cbor:"18,keyasint"`
	TokenHPhys     uint32        `cbor:"19,keyasint"`
	PID            uint32        `cbor:"20,keyasint"`
	ParamsPhys     uint32        `cbor:"21,keyasint"`
	ParamsHPhys    uint32        `cbor:"22,keyasint"`
	EventIndex     uint32        `cbor:"23,keyasint"`
	Started        bool          `cbor:"24,keyasint"`
}

// IsGlobal reports whether the command is a session lifecycle call.
func (c *Command) IsGlobal() bool {
	return c.CmdType == CmdTypeGlobal
}

// String identifies the command for logs. It never includes addresses.
func (c *Command) String() string {
	return fmt.Sprintf("cmd(type=%d id=0x%x dev=%d ctx=%d)", c.CmdType, c.CmdID, c.DevFileID, c.ContextID)
}

// UUIDBytes converts a trusted application identity into its wire layout:
// the time_low, time_mid and time_hi fields are host (little endian) order,
// the clock sequence and node bytes are copied as is.
func UUIDBytes(id uuid.UUID) [UUIDLen]byte {
	var b [UUIDLen]byte
	b[0], b[1], b[2], b[3] = id[3], id[2], id[1], id[0]
	b[4], b[5] = id[5], id[4]
	b[6], b[7] = id[7], id[6]
	copy(b[8:], id[8:])
	return b
}

// UUIDFromBytes is the inverse of UUIDBytes.
func UUIDFromBytes(b [UUIDLen]byte) uuid.UUID {
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = b[3], b[2], b[1], b[0]
	id[4], id[5] = b[5], b[4]
	id[6], id[7] = b[7], b[6]
	copy(id[8:], b[8:])
	return id
}
