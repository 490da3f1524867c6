package common

import (
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrProcessExited   = fmt.Errorf("process exited")

	// A target path that does not name a valid executable image.
	ErrBadTarget = fmt.Errorf("invalid target image")

	// A control command issued while no process is attached.
	ErrNoProcess = fmt.Errorf("no target process running")

	// A stub whose first instruction is not the expected indirect jump.
	ErrStubEncoding = fmt.Errorf("unexpected stub instruction encoding")

	// A pointer read/write into the inspected process failed.
	ErrMemoryAccess = fmt.Errorf("target memory access failed")
)

type VirtualAddress uint64

// The backend reports this for sections / modules without a load address.
const UnmappedAddress = VirtualAddress(^uint64(0))

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint64(s[i]) < uint64(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}

type AddressRange struct {
	Low  VirtualAddress
	High VirtualAddress
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Low <= addr && addr < ar.High
}

type AddressRanges []AddressRange

func (ars AddressRanges) Contains(addr VirtualAddress) bool {
	for _, ar := range ars {
		if ar.Contains(addr) {
			return true
		}
	}
	return false
}
