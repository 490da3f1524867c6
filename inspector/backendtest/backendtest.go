// Package backendtest provides a scripted in-memory implementation of
// the backend contract. Tests populate an image with sections, symbols
// and memory bytes, then script the program counter movement of the
// launched process one stop at a time.
package backendtest

import (
	"encoding/binary"
	"fmt"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type Backend struct {
	Images map[string]*Image
}

func New() *Backend {
	return &Backend{
		Images: map[string]*Image{},
	}
}

func (b *Backend) AddImage(path string) *Image {
	image := &Image{
		Memory:      map[VirtualAddress]byte{},
		SectionSyms: map[string][]backend.Symbol{},
		SymbolAddrs: map[string]VirtualAddress{},
		Registers:   map[string]uint64{},
	}
	b.Images[path] = image
	return image
}

func (b *Backend) CreateTarget(path string) (backend.Target, error) {
	image, ok := b.Images[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadTarget, path)
	}

	return &Target{image: image}, nil
}

// Image is the scripted content of one executable target. Launching the
// same image twice yields independent processes over shared content,
// which matches how a real backend re-binds an unmodified file.
type Image struct {
	Modules  []backend.Module
	Sections []backend.Section

	SectionSyms map[string][]backend.Symbol
	SymbolAddrs map[string]VirtualAddress

	Memory map[VirtualAddress]byte

	// Initial process state on launch.
	EntryPC   VirtualAddress
	Registers map[string]uint64

	// Program-counter script: each StepInstruction pops StepScript, each
	// Resume pops ResumeScript. An exhausted resume script exits the
	// process.
	StepScript   []VirtualAddress
	ResumeScript []Stop

	// Return address reported for frame depth 1.
	CallerPC VirtualAddress

	LaunchCount int
}

type Stop struct {
	PC     VirtualAddress
	Exited bool
}

func (image *Image) SetBytes(addr VirtualAddress, data []byte) {
	for i, b := range data {
		image.Memory[addr+VirtualAddress(i)] = b
	}
}

func (image *Image) SetPointer(addr VirtualAddress, value uint64) {
	buffer := make([]byte, 8)
	binary.LittleEndian.PutUint64(buffer, value)
	image.SetBytes(addr, buffer)
}

func (image *Image) AddSymbol(
	section string,
	name string,
	addr VirtualAddress,
) {
	image.SectionSyms[section] = append(
		image.SectionSyms[section],
		backend.Symbol{
			Name:    name,
			Address: addr,
		})
	image.SymbolAddrs[name] = addr
}

type Target struct {
	image *Image

	Breakpoints []*Breakpoint

	process *Process
}

func (t *Target) Launch() (backend.Process, error) {
	t.image.LaunchCount += 1

	registers := map[string]uint64{}
	for name, value := range t.image.Registers {
		registers[name] = value
	}

	process := &Process{
		image:        t.image,
		pc:           t.image.EntryPC,
		registers:    registers,
		stepScript:   append([]VirtualAddress{}, t.image.StepScript...),
		resumeScript: append([]Stop{}, t.image.ResumeScript...),
	}
	t.process = process
	return process, nil
}

func (t *Target) Modules() ([]backend.Module, error) {
	return append([]backend.Module{}, t.image.Modules...), nil
}

func (t *Target) Sections() ([]backend.Section, error) {
	return append([]backend.Section{}, t.image.Sections...), nil
}

func (t *Target) Symbols(section string) ([]backend.Symbol, error) {
	return append([]backend.Symbol{}, t.image.SectionSyms[section]...), nil
}

func (t *Target) SymbolAddress(name string) (VirtualAddress, error) {
	addr, ok := t.image.SymbolAddrs[name]
	if !ok {
		return 0, fmt.Errorf("%w: symbol %s not found", ErrInvalidArgument, name)
	}
	return addr, nil
}

func (t *Target) CreateBreakpoint(
	addr VirtualAddress,
) (
	backend.Breakpoint,
	error,
) {
	bp := &Breakpoint{address: addr}
	t.Breakpoints = append(t.Breakpoints, bp)
	return bp, nil
}

func (t *Target) DeleteAllBreakpoints() error {
	t.Breakpoints = nil
	return nil
}

func (t *Target) Close() error {
	return nil
}

type Breakpoint struct {
	address VirtualAddress
	enabled bool
}

func (bp *Breakpoint) Address() VirtualAddress {
	return bp.address
}

func (bp *Breakpoint) SetEnabled(enabled bool) error {
	bp.enabled = enabled
	return nil
}

func (bp *Breakpoint) IsEnabled() bool {
	return bp.enabled
}

type Process struct {
	image *Image

	pc        VirtualAddress
	registers map[string]uint64
	exited    bool
	killed    bool

	stepScript   []VirtualAddress
	resumeScript []Stop
}

func (p *Process) Resume() (backend.StopEvent, error) {
	if p.exited {
		return backend.StopEvent{}, ErrProcessExited
	}

	if len(p.resumeScript) == 0 {
		p.exited = true
		return backend.StopEvent{Exited: true}, nil
	}

	stop := p.resumeScript[0]
	p.resumeScript = p.resumeScript[1:]

	if stop.Exited {
		p.exited = true
		return backend.StopEvent{Exited: true}, nil
	}

	p.pc = stop.PC
	return backend.StopEvent{}, nil
}

func (p *Process) StepInstruction() (backend.StopEvent, error) {
	if p.exited {
		return backend.StopEvent{}, ErrProcessExited
	}

	if len(p.stepScript) == 0 {
		p.pc += 1
		return backend.StopEvent{}, nil
	}

	p.pc = p.stepScript[0]
	p.stepScript = p.stepScript[1:]
	return backend.StopEvent{}, nil
}

func (p *Process) ReadPointer(addr VirtualAddress) (uint64, error) {
	buffer := make([]byte, 8)
	_, err := p.ReadMemory(addr, buffer)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buffer), nil
}

func (p *Process) WritePointer(addr VirtualAddress, value uint64) error {
	if p.exited {
		return ErrProcessExited
	}
	p.image.SetPointer(addr, value)
	return nil
}

func (p *Process) ReadMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	for i := range data {
		b, ok := p.image.Memory[addr+VirtualAddress(i)]
		if !ok {
			return i, fmt.Errorf("%w: unmapped address %s", ErrMemoryAccess, addr)
		}
		data[i] = b
	}
	return len(data), nil
}

func (p *Process) Frame(depth int) (backend.Frame, error) {
	if p.exited {
		return backend.Frame{}, ErrProcessExited
	}

	pc := p.pc
	if depth > 0 {
		pc = p.image.CallerPC
	}

	return backend.Frame{
		PC:          pc,
		Symbol:      p.symbolFor(pc),
		SymbolStart: pc,
	}, nil
}

func (p *Process) symbolFor(pc VirtualAddress) string {
	for name, addr := range p.image.SymbolAddrs {
		if addr == pc {
			return name
		}
	}
	return ""
}

func (p *Process) Register(name string) (uint64, error) {
	if name == "rip" {
		return uint64(p.pc), nil
	}

	value, ok := p.registers[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown register %s", ErrInvalidArgument, name)
	}
	return value, nil
}

// SetPC repositions the scripted program counter between stops.
func (p *Process) SetPC(pc VirtualAddress) {
	p.pc = pc
}

// SetRegister adjusts a scripted register value between stops.
func (p *Process) SetRegister(name string, value uint64) {
	p.registers[name] = value
}

func (p *Process) Exited() bool {
	return p.exited
}

func (p *Process) Kill() error {
	p.exited = true
	p.killed = true
	return nil
}
