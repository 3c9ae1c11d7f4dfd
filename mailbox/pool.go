// Package mailbox provides the shared buffers that cross the secure-call
// boundary. Every buffer has a pseudo physical address that commands carry
// split into low and high 32-bit halves, the way the TEE expects them.
package mailbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// PoolSize is the default mailbox pool capacity.
	PoolSize = 4 << 20

	// AddrShift splits a physical address into the lo/hi command fields.
	AddrShift = 32

	// addrBase keeps every address above 4 GiB so both halves are exercised.
	addrBase  uint64 = 1 << AddrShift
	addrAlign uint64 = 64
)

var (
	// ErrNoMemory is returned when the pool cannot satisfy an allocation.
	ErrNoMemory = errors.New("mailbox pool exhausted")
	// ErrUnknownRegion is returned when a region does not match a live buffer.
	ErrUnknownRegion = errors.New("unknown mailbox region")
)

// Buffer is one allocation from the pool.
type Buffer struct {
	phys uint64
	pack uint64
	data []byte
}

// Phys returns the buffer's physical address.
func (b *Buffer) Phys() uint64 { return b.phys }

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer size.
func (b *Buffer) Len() int { return len(b.data) }

// SplitPhys returns the low and high command words of a physical address.
func SplitPhys(phys uint64) (lo, hi uint32) {
	return uint32(phys), uint32(phys >> AddrShift)
}

// JoinPhys rebuilds a physical address from its command words.
func JoinPhys(lo, hi uint32) uint64 {
	return uint64(hi)<<AddrShift | uint64(lo)
}

// Region is a snapshot of one buffer, used to move mailbox contents across
// a process boundary.
type Region struct {
	Phys uint64 `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Stats holds pool usage statistics
type Stats struct {
	Total   int
	Used    int
	Free    int
	Buffers int
}

// Pool allocates zeroed buffers and resolves physical addresses back to them.
type Pool struct {
	limit    int
	used     int
	next     uint64
	nextPack uint64
	buffers  map[uint64]*Buffer
	mu      sync.Mutex
}

// NewPool creates a pool holding at most limit bytes. A non-positive limit
// selects PoolSize.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = PoolSize
	}
	return &Pool{
		limit:   limit,
		next:    addrBase,
		buffers: make(map[uint64]*Buffer),
	}
}

// Alloc returns a zeroed buffer of size bytes.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mailbox allocation size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used+size > p.limit {
		log.Warn().
			Int("requested", size).
			Int("used", p.used).
			Int("total", p.limit).
			Msg("Mailbox allocation failed")
		return nil, ErrNoMemory
	}

	b := &Buffer{phys: p.next, data: make([]byte, size)}
	p.next += (uint64(size) + addrAlign - 1) &^ (addrAlign - 1)
	p.used += size
	p.buffers[b.phys] = b
	return b, nil
}

// Free wipes a buffer and returns it to the pool. Freeing nil or an already
// freed buffer is a no-op.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.buffers[b.phys]; !ok {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	delete(p.buffers, b.phys)
	p.used -= len(b.data)
}

// Lookup resolves a physical address to the bytes from that address to the
// end of its buffer.
func (p *Pool) Lookup(phys uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.owner(phys)
	if b == nil {
		return nil, false
	}
	return b.data[phys-b.phys:], true
}

// Snapshot copies the buffers holding the given addresses, ordered by
// address. A buffer that belongs to a command pack brings the rest of its
// pack along. Addresses that do not resolve are skipped.
func (p *Pool) Snapshot(addrs ...uint64) []Region {
	p.mu.Lock()
	defer p.mu.Unlock()

	picked := make(map[uint64]*Buffer)
	for _, addr := range addrs {
		b := p.owner(addr)
		if b == nil {
			continue
		}
		picked[b.phys] = b
		if b.pack == 0 {
			continue
		}
		for phys, other := range p.buffers {
			if other.pack == b.pack {
				picked[phys] = other
			}
		}
	}

	regions := make([]Region, 0, len(picked))
	for phys, b := range picked {
		regions = append(regions, Region{Phys: phys, Data: append([]byte(nil), b.data...)})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Phys < regions[j].Phys })
	return regions
}

// owner returns the live buffer containing addr. Callers hold p.mu.
func (p *Pool) owner(addr uint64) *Buffer {
	if b, ok := p.buffers[addr]; ok {
		return b
	}
	for start, b := range p.buffers {
		if addr > start && addr < start+uint64(len(b.data)) {
			return b
		}
	}
	return nil
}

// bind marks buffers as one command pack.
func (p *Pool) bind(bufs ...*Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextPack++
	for _, b := range bufs {
		b.pack = p.nextPack
	}
}

// Apply copies region contents back into the matching live buffers.
func (p *Pool) Apply(regions []Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range regions {
		b, ok := p.buffers[r.Phys]
		if !ok || len(b.data) != len(r.Data) {
			return fmt.Errorf("%w: 0x%x", ErrUnknownRegion, r.Phys)
		}
		copy(b.data, r.Data)
	}
	return nil
}

// GetStats returns pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:   p.limit,
		Used:    p.used,
		Free:    p.limit - p.used,
		Buffers: len(p.buffers),
	}
}
