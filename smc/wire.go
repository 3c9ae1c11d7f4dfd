package smc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/gitee2github/itrustee-tzdriver/mailbox"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 10 * 1024 * 1024

// Request carries a command and the mailbox buffers it may reference.
type Request struct {
	Cmd     Command          `cbor:"1,keyasint"`
	Regions []mailbox.Region `cbor:"2,keyasint,omitempty"`
}

// Response carries the completed command and the mailbox buffers the TEE
// wrote back. Error is set only when the request could not be handled at
// all.
type Response struct {
	Cmd     Command          `cbor:"1,keyasint"`
	Regions []mailbox.Region `cbor:"2,keyasint,omitempty"`
	Error   string           `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
}

// writeFrame writes a length-prefixed CBOR frame
func writeFrame(w io.Writer, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	// Write 4-byte length prefix (big-endian)
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed CBOR frame into v
func readFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return nil
}
