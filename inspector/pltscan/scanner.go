// Package pltscan discovers the indirection-table layout of the
// target's primary module. It walks the stub section at the fixed stub
// stride, decodes each stub's first instruction, and resolves the
// table slot the stub jumps through together with the pointer currently
// stored there.
package pltscan

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/dyninspect/dyninspect/inspector/archcfg"
	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

const maxInstructionLength = 15

// TableEntry binds one stub to its indirection-table slot. StubAddress
// and TableAddress are immutable once bound to a process image;
// TableValue reflects the currently resolved target and changes as the
// loader patches the slot.
type TableEntry struct {
	Name        string
	DisplayName string

	StubAddress  VirtualAddress
	TableAddress VirtualAddress
	TableValue   uint64
}

type Scanner struct {
	profile archcfg.Profile
	logger  *logrus.Entry

	target  backend.Target
	process backend.Process

	entries map[string]*TableEntry
}

func NewScanner(
	profile archcfg.Profile,
	logger *logrus.Entry,
	target backend.Target,
) *Scanner {
	return &Scanner{
		profile: profile,
		logger:  logger,
		target:  target,
		entries: map[string]*TableEntry{},
	}
}

// BindProcess attaches the scanner to a launched process. Entries from
// a previous process are discarded.
func (scanner *Scanner) BindProcess(process backend.Process) {
	scanner.process = process
	scanner.entries = map[string]*TableEntry{}
}

// Entries returns the current snapshot.
func (scanner *Scanner) Entries() map[string]*TableEntry {
	return scanner.entries
}

// Names returns the scanned stub names in sorted order.
func (scanner *Scanner) Names() []string {
	names := make([]string, 0, len(scanner.entries))
	for name := range scanner.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan enumerates the stub section and rebuilds the entry table. When
// the process is not available the previous snapshot is returned
// unchanged. A stub whose first instruction does not decode as an
// indirect jump is skipped rather than failing the scan.
func (scanner *Scanner) Scan() (map[string]*TableEntry, error) {
	if scanner.process == nil || scanner.process.Exited() {
		return scanner.entries, nil
	}

	sections, err := scanner.target.Sections()
	if err != nil {
		return scanner.entries, fmt.Errorf("failed to list sections: %w", err)
	}

	var stubSection *backend.Section
	for idx, section := range sections {
		if section.Name == scanner.profile.StubSection {
			stubSection = &sections[idx]
			break
		}
	}

	if stubSection == nil {
		return scanner.entries, fmt.Errorf(
			"%w: no %s section in target",
			ErrBadTarget,
			scanner.profile.StubSection)
	}

	symbols, err := scanner.target.Symbols(scanner.profile.StubSection)
	if err != nil {
		return scanner.entries, fmt.Errorf(
			"failed to enumerate stub symbols: %w",
			err)
	}

	symbolAt := map[VirtualAddress]backend.Symbol{}
	for _, symbol := range symbols {
		symbolAt[symbol.Address] = symbol
	}

	entries := map[string]*TableEntry{}

	// The first stride-worth of the section is the loader trampoline
	// header, not a stub.
	stride := VirtualAddress(scanner.profile.StubStride)
	sectionEnd := stubSection.LoadAddress + VirtualAddress(stubSection.Size)
	for addr := stubSection.LoadAddress + stride; addr < sectionEnd; addr += stride {
		symbol, ok := symbolAt[addr]
		if !ok {
			continue
		}

		if isReserved(symbol.Name, scanner.profile.ReservedPrefix) {
			continue
		}

		entry, err := scanner.scanStub(symbol)
		if err != nil {
			scanner.logger.WithError(err).Debugf(
				"skipping stub %s at %s",
				symbol.Name,
				addr)
			continue
		}

		entries[entry.Name] = entry
	}

	scanner.entries = entries
	return scanner.entries, nil
}

// Refresh re-reads the table value of every known entry. Stub and slot
// addresses are immutable and are not rediscovered. No-op when the
// process is not available.
func (scanner *Scanner) Refresh() map[string]*TableEntry {
	if scanner.process == nil || scanner.process.Exited() {
		return scanner.entries
	}

	for _, entry := range scanner.entries {
		value, err := scanner.process.ReadPointer(entry.TableAddress)
		if err != nil {
			scanner.logger.WithError(err).Debugf(
				"failed to refresh table slot %s",
				entry.TableAddress)
			continue
		}
		entry.TableValue = value
	}

	return scanner.entries
}

// Entry looks up a table entry by stub name.
func (scanner *Scanner) Entry(name string) (*TableEntry, bool) {
	entry, ok := scanner.entries[name]
	return entry, ok
}

func (scanner *Scanner) scanStub(
	symbol backend.Symbol,
) (
	*TableEntry,
	error,
) {
	data := make([]byte, maxInstructionLength)
	_, err := scanner.process.ReadMemory(symbol.Address, data)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: cannot read stub %s",
			ErrMemoryAccess,
			symbol.Name)
	}

	slotAddress, err := decodeStubSlot(symbol.Address, data)
	if err != nil {
		return nil, err
	}

	value, err := scanner.process.ReadPointer(slotAddress)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: cannot read table slot %s",
			ErrMemoryAccess,
			slotAddress)
	}

	return &TableEntry{
		Name:         symbol.Name,
		DisplayName:  symbol.DisplayName(),
		StubAddress:  symbol.Address,
		TableAddress: slotAddress,
		TableValue:   value,
	}, nil
}

// decodeStubSlot decodes a stub's first instruction, which must be an
// indirect jump through a fixed memory operand, and returns the
// indirection-table slot address it references.
func decodeStubSlot(
	stubAddress VirtualAddress,
	data []byte,
) (
	VirtualAddress,
	error,
) {
	inst, err := x86asm.Decode(data, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStubEncoding, err)
	}

	if inst.Op != x86asm.JMP {
		return 0, fmt.Errorf(
			"%w: first stub instruction is %s, not an indirect jump",
			ErrStubEncoding,
			inst.Op)
	}

	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf(
			"%w: jump operand is not a memory reference",
			ErrStubEncoding)
	}

	switch mem.Base {
	case x86asm.RIP:
		// RIP-relative displacement is anchored at the next instruction.
		next := stubAddress + VirtualAddress(inst.Len)
		return next + VirtualAddress(mem.Disp), nil
	case 0:
		if mem.Index != 0 || mem.Segment != 0 {
			return 0, fmt.Errorf(
				"%w: unexpected jump operand form",
				ErrStubEncoding)
		}
		return VirtualAddress(mem.Disp), nil
	default:
		return 0, fmt.Errorf(
			"%w: jump through register %s, not a fixed slot",
			ErrStubEncoding,
			mem.Base)
	}
}

func isReserved(name string, prefix string) bool {
	if prefix == "" || len(name) < len(prefix) {
		return false
	}
	return name[:len(prefix)] == prefix
}
