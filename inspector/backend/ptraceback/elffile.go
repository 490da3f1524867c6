package ptraceback

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

// elfFile is the parsed view of one executable or shared object, with
// file addresses not yet rebased to the process address space.
type elfFile struct {
	path string

	sections []elf.SectionHeader
	symbols  []backend.Symbol

	// Lowest PT_LOAD virtual address, subtracted from file addresses
	// before rebasing against the mapped base.
	loadBias uint64

	isDynamic bool
}

func openElfFile(path string) (*elfFile, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadTarget, path, err)
	}
	defer file.Close()

	if file.Type != elf.ET_EXEC && file.Type != elf.ET_DYN {
		return nil, fmt.Errorf(
			"%w: %s is not an executable or shared object",
			ErrBadTarget,
			path)
	}

	loadBias := ^uint64(0)
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < loadBias {
			loadBias = prog.Vaddr
		}
	}
	if loadBias == ^uint64(0) {
		return nil, fmt.Errorf("%w: %s has no loadable segment", ErrBadTarget, path)
	}

	sections := make([]elf.SectionHeader, 0, len(file.Sections))
	for _, section := range file.Sections {
		sections = append(sections, section.SectionHeader)
	}

	symbols := []backend.Symbol{}
	appendSymbols := func(table []elf.Symbol, err error) {
		if err != nil {
			return
		}

		for _, symbol := range table {
			if symbol.Name == "" || symbol.Value == 0 {
				continue
			}

			entry := backend.Symbol{
				Name:    symbol.Name,
				Address: VirtualAddress(symbol.Value),
				Size:    symbol.Size,
			}

			demangled, err := demangle.ToString(symbol.Name)
			if err == nil {
				entry.DemangledName = demangled
			}

			symbols = append(symbols, entry)
		}
	}

	appendSymbols(file.Symbols())
	appendSymbols(file.DynamicSymbols())

	sort.Slice(
		symbols,
		func(i int, j int) bool { return symbols[i].Address < symbols[j].Address })

	return &elfFile{
		path:      path,
		sections:  sections,
		symbols:   symbols,
		loadBias:  loadBias,
		isDynamic: file.Type == elf.ET_DYN,
	}, nil
}

// rebase converts a file address to a process virtual address. For
// position-independent images the mapped base replaces the load bias;
// fixed-position executables keep their file addresses.
func (file *elfFile) rebase(
	base VirtualAddress,
	fileAddr uint64,
) VirtualAddress {
	if !file.isDynamic {
		return VirtualAddress(fileAddr)
	}
	return base + VirtualAddress(fileAddr-file.loadBias)
}

func (file *elfFile) section(name string) (elf.SectionHeader, bool) {
	for _, section := range file.sections {
		if section.Name == name {
			return section, true
		}
	}
	return elf.SectionHeader{}, false
}

// symbolsIn returns the symbols whose value lies within the named
// section, rebased, in address order.
func (file *elfFile) symbolsIn(
	base VirtualAddress,
	sectionName string,
) []backend.Symbol {
	section, ok := file.section(sectionName)
	if !ok {
		return nil
	}

	low := section.Addr
	high := section.Addr + section.Size

	result := []backend.Symbol{}
	for _, symbol := range file.symbols {
		value := uint64(symbol.Address)
		if value < low || value >= high {
			continue
		}

		rebased := symbol
		rebased.Address = file.rebase(base, value)
		result = append(result, rebased)
	}

	return result
}

// symbolNamed finds a defined symbol by name or demangled name.
func (file *elfFile) symbolNamed(name string) (backend.Symbol, bool) {
	for _, symbol := range file.symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			return symbol, true
		}
	}
	return backend.Symbol{}, false
}

// symbolContaining finds the symbol whose range covers the given file
// address.
func (file *elfFile) symbolContaining(fileAddr uint64) (backend.Symbol, bool) {
	for _, symbol := range file.symbols {
		low := uint64(symbol.Address)
		if fileAddr >= low && fileAddr < low+symbol.Size {
			return symbol, true
		}
	}
	return backend.Symbol{}, false
}
