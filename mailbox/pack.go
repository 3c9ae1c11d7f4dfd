package mailbox

import "sort"

// Sizes of the per-call command pack regions.
const (
	OperationSize    = 128
	LoginDataSize    = 4096    // encrypted login info never exceeds one page
	TokenSize        = 42
	SecureParamsSize = 80 + 16 // aligned session secure params + IV
)

// CmdPack groups the mailbox buffers one secure call needs.
type CmdPack struct {
	Operation    *Buffer
	LoginData    *Buffer
	Token        *Buffer
	SecureParams *Buffer
}

// AllocCmdPack allocates a zeroed command pack. On failure nothing stays
// allocated.
func (p *Pool) AllocCmdPack() (*CmdPack, error) {
	pack := &CmdPack{}
	var err error

	if pack.Operation, err = p.Alloc(OperationSize); err != nil {
		return nil, err
	}
	if pack.LoginData, err = p.Alloc(LoginDataSize); err != nil {
		p.FreeCmdPack(pack)
		return nil, err
	}
	if pack.Token, err = p.Alloc(TokenSize); err != nil {
		p.FreeCmdPack(pack)
		return nil, err
	}
	if pack.SecureParams, err = p.Alloc(SecureParamsSize); err != nil {
		p.FreeCmdPack(pack)
		return nil, err
	}
	p.bind(pack.Operation, pack.LoginData, pack.Token, pack.SecureParams)
	return pack, nil
}

// FreeCmdPack wipes and frees every buffer of the pack.
func (p *Pool) FreeCmdPack(pack *CmdPack) {
	if pack == nil {
		return
	}
	p.Free(pack.Operation)
	p.Free(pack.LoginData)
	p.Free(pack.Token)
	p.Free(pack.SecureParams)
}

// View is a read-write window over regions received from the other side of
// the transport.
type View struct {
	regions map[uint64][]byte
}

// NewView wraps regions. The region data is used in place.
func NewView(regions []Region) *View {
	v := &View{regions: make(map[uint64][]byte, len(regions))}
	for _, r := range regions {
		v.regions[r.Phys] = r.Data
	}
	return v
}

// Lookup resolves a physical address inside one of the regions.
func (v *View) Lookup(phys uint64) ([]byte, bool) {
	if data, ok := v.regions[phys]; ok {
		return data, true
	}
	for start, data := range v.regions {
		if phys > start && phys < start+uint64(len(data)) {
			return data[phys-start:], true
		}
	}
	return nil, false
}

// Regions returns the current contents ordered by address.
func (v *View) Regions() []Region {
	out := make([]Region, 0, len(v.regions))
	for phys, data := range v.regions {
		out = append(out, Region{Phys: phys, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phys < out[j].Phys })
	return out
}
