package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Default virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program data
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Access is a memory permission set.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	s := ""
	if a&AccessRead != 0 {
		s += "r"
	}
	if a&AccessWrite != 0 {
		s += "w"
	}
	if a&AccessExecute != 0 {
		s += "x"
	}
	if s == "" {
		return "none"
	}
	return s
}

// Region is one contiguous span of guest memory backed by a host buffer.
type Region struct {
	Name string
	Base uint64
	Data []byte
	Perm Access
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Base + uint64(len(r.Data))
}

// MemoryMap is an ordered set of non-overlapping regions. A single access
// must fall entirely inside one region.
type MemoryMap struct {
	regions []Region
}

// NewMemoryMap builds a map from the given regions, sorted by base
// address. Overlapping regions are rejected.
func NewMemoryMap(regions ...Region) (*MemoryMap, error) {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Base < sorted[j].Base
	})

	for i := 1; i < len(sorted); i++ {
		prev, cur := &sorted[i-1], &sorted[i]
		if prev.End() > cur.Base {
			return nil, fmt.Errorf("region %q [0x%x, 0x%x) overlaps %q [0x%x, 0x%x)",
				prev.Name, prev.Base, prev.End(), cur.Name, cur.Base, cur.End())
		}
	}
	return &MemoryMap{regions: sorted}, nil
}

// Regions returns the sorted region list.
func (mm *MemoryMap) Regions() []Region {
	return mm.regions
}

// Region returns the region containing addr, or nil.
func (mm *MemoryMap) Region(addr uint64) *Region {
	idx := sort.Search(len(mm.regions), func(i int) bool {
		return mm.regions[i].Base > addr
	}) - 1
	if idx < 0 {
		return nil
	}
	r := &mm.regions[idx]
	if addr-r.Base >= uint64(len(r.Data)) {
		return nil
	}
	return r
}

// Translate maps [addr, addr+size) to the backing host bytes. The span
// must lie inside one region and the region must grant the access.
func (mm *MemoryMap) Translate(addr, size uint64, access Access) ([]byte, error) {
	idx := sort.Search(len(mm.regions), func(i int) bool {
		return mm.regions[i].Base > addr
	}) - 1
	if idx >= 0 {
		r := &mm.regions[idx]
		off := addr - r.Base
		if off < uint64(len(r.Data)) && size <= uint64(len(r.Data))-off {
			if r.Perm&access != access {
				return nil, &AccessViolation{Addr: addr, Len: size, Access: access}
			}
			return r.Data[off : off+size], nil
		}
	}
	return nil, &AccessViolation{Addr: addr, Len: size, Access: access}
}

// Read copies guest memory at addr into p.
func (mm *MemoryMap) Read(addr uint64, p []byte) error {
	mem, err := mm.Translate(addr, uint64(len(p)), AccessRead)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write copies p into guest memory at addr.
func (mm *MemoryMap) Write(addr uint64, p []byte) error {
	mem, err := mm.Translate(addr, uint64(len(p)), AccessWrite)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (mm *MemoryMap) Read8(addr uint64) (uint8, error) {
	mem, err := mm.Translate(addr, 1, AccessRead)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

func (mm *MemoryMap) Read16(addr uint64) (uint16, error) {
	mem, err := mm.Translate(addr, 2, AccessRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

func (mm *MemoryMap) Read32(addr uint64) (uint32, error) {
	mem, err := mm.Translate(addr, 4, AccessRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

func (mm *MemoryMap) Read64(addr uint64) (uint64, error) {
	mem, err := mm.Translate(addr, 8, AccessRead)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

func (mm *MemoryMap) Write8(addr uint64, x uint8) error {
	mem, err := mm.Translate(addr, 1, AccessWrite)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

func (mm *MemoryMap) Write16(addr uint64, x uint16) error {
	mem, err := mm.Translate(addr, 2, AccessWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

func (mm *MemoryMap) Write32(addr uint64, x uint32) error {
	mem, err := mm.Translate(addr, 4, AccessWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

func (mm *MemoryMap) Write64(addr uint64, x uint64) error {
	mem, err := mm.Translate(addr, 8, AccessWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
