package teesim

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/gitee2github/itrustee-tzdriver/smc"
)

// DemoUUID identifies the built-in demo application.
var DemoUUID = uuid.MustParse("6b7c3a1e-2f4d-4e6a-9b8c-0d1e2f3a4b5c")

// Demo application commands.
const (
	DemoCmdIncrement uint32 = 1
	DemoCmdPending   uint32 = 2
)

// DemoApp increments a counter and, once per session, asks to be called
// again.
type DemoApp struct{}

// Invoke implements TrustedApp.
func (DemoApp) Invoke(s *Row, cmdID uint32, operation []byte) uint32 {
	switch cmdID {
	case DemoCmdIncrement:
		if len(operation) < 8 {
			return smc.ResultBadParameters
		}
		v := binary.LittleEndian.Uint32(operation[0:4])
		binary.LittleEndian.PutUint32(operation[4:8], v+1)
		return smc.ResultSuccess
	case DemoCmdPending:
		if !s.Pended {
			return smc.ResultPending
		}
		return smc.ResultSuccess
	default:
		return smc.ResultBadParameters
	}
}
