// Package backend defines the debugger-backend contract consumed by the
// inspection engine. A backend owns the process-control primitives:
// creating targets, launching processes, reading and writing their memory
// and registers, stepping, continuing, and installing raw breakpoints.
// The engine layers indirection-table semantics on top of this contract
// and never talks to a concrete debugger directly.
package backend

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	. "github.com/dyninspect/dyninspect/inspector/common"
)

type Backend interface {
	// CreateTarget binds an executable image without launching it.
	// Returns ErrBadTarget when path does not name a valid image.
	CreateTarget(path string) (Target, error)
}

type Target interface {
	// Launch starts the process stopped at its entry point.
	Launch() (Process, error)

	// Modules lists the images currently mapped into the target.
	// Before launch this is just the primary executable.
	Modules() ([]Module, error)

	// Sections lists the mapped sections of every loaded module.
	Sections() ([]Section, error)

	// Symbols enumerates the symbols whose value lies inside the named
	// section of the primary module, in address order.
	Symbols(section string) ([]Symbol, error)

	// SymbolAddress resolves a symbol by name across all loaded modules.
	SymbolAddress(name string) (VirtualAddress, error)

	CreateBreakpoint(addr VirtualAddress) (Breakpoint, error)
	DeleteAllBreakpoints() error

	Close() error
}

type Process interface {
	// Resume continues the process until the next stop or exit.
	Resume() (StopEvent, error)

	// StepInstruction executes exactly one instruction.
	StepInstruction() (StopEvent, error)

	ReadPointer(addr VirtualAddress) (uint64, error)
	WritePointer(addr VirtualAddress, value uint64) error

	// ReadMemory fills data with bytes starting at addr, with any
	// breakpoint trap bytes replaced by the original instruction bytes.
	ReadMemory(addr VirtualAddress, data []byte) (int, error)

	// Frame describes a call frame. Depth 0 is the currently executing
	// frame; depth 1 is its immediate caller.
	Frame(depth int) (Frame, error)

	// Register reads a general-purpose register by its conventional
	// lower-case name (e.g. "rax", "rip").
	Register(name string) (uint64, error)

	Exited() bool
	Kill() error
}

type Breakpoint interface {
	Address() VirtualAddress
	SetEnabled(enabled bool) error
	IsEnabled() bool
}

type Module struct {
	Name  string
	Start VirtualAddress
	End   VirtualAddress
	Size  uint64
}

type Section struct {
	Name        string
	Module      string
	LoadAddress VirtualAddress
	FileOffset  uint64
	Size        uint64
}

type Symbol struct {
	Name          string
	DemangledName string
	Address       VirtualAddress
	Size          uint64
}

// DisplayName prefers the demangled form when one exists.
func (sym Symbol) DisplayName() string {
	if sym.DemangledName != "" {
		return sym.DemangledName
	}
	return sym.Name
}

type DisassembledInstruction struct {
	Address VirtualAddress
	x86asm.Inst
}

func (inst DisassembledInstruction) String() string {
	return fmt.Sprintf(
		"0x%016x: %s",
		uint64(inst.Address),
		x86asm.GNUSyntax(inst.Inst, uint64(inst.Address), nil))
}

type Frame struct {
	PC     VirtualAddress
	Symbol string

	// SymbolStart anchors instruction offsets within the frame's symbol.
	SymbolStart VirtualAddress

	Instructions []DisassembledInstruction
}

type StopEvent struct {
	Exited     bool
	ExitStatus int
}
