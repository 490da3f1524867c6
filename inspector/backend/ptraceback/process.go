package ptraceback

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

const (
	maxInstructionLength = 15
	maxFrameInstructions = 48
)

type Process struct {
	target *Target
	tracer *tracer

	pid    int
	logger *logrus.Entry

	exited     bool
	exitStatus int
}

func (p *Process) Exited() bool {
	return p.exited
}

func (p *Process) Resume() (backend.StopEvent, error) {
	if p.exited {
		return backend.StopEvent{}, ErrProcessExited
	}

	err := p.stepOverBreakpoint()
	if err != nil {
		return backend.StopEvent{}, err
	}
	if p.exited {
		return backend.StopEvent{Exited: true, ExitStatus: p.exitStatus}, nil
	}

	status, err := p.tracer.Resume(0)
	if err != nil {
		return backend.StopEvent{}, err
	}

	return p.handleStop(status)
}

func (p *Process) StepInstruction() (backend.StopEvent, error) {
	if p.exited {
		return backend.StopEvent{}, ErrProcessExited
	}

	pc, err := p.pc()
	if err != nil {
		return backend.StopEvent{}, err
	}

	site := p.target.enabledSiteAt(pc)
	if site != nil {
		// Execute the original instruction, not the trap byte.
		err = site.setPhysical(false)
		if err != nil {
			return backend.StopEvent{}, err
		}
	}

	status, err := p.tracer.SingleStep()
	if err != nil {
		return backend.StopEvent{}, err
	}

	event, err := p.handleStop(status)
	if err != nil {
		return event, err
	}

	if site != nil && !p.exited {
		err = site.setPhysical(true)
		if err != nil {
			return event, err
		}
	}

	return event, nil
}

// stepOverBreakpoint moves past an armed breakpoint the process is
// currently stopped on, so a subsequent resume does not re-trap in
// place.
func (p *Process) stepOverBreakpoint() error {
	pc, err := p.pc()
	if err != nil {
		return err
	}

	site := p.target.enabledSiteAt(pc)
	if site == nil {
		return nil
	}

	err = site.setPhysical(false)
	if err != nil {
		return err
	}

	status, err := p.tracer.SingleStep()
	if err != nil {
		return err
	}

	_, err = p.handleStop(status)
	if err != nil {
		return err
	}

	if !p.exited {
		return site.setPhysical(true)
	}
	return nil
}

// handleStop classifies a wait status. Stopping on an int3 leaves the
// program counter one past the trap; rewind it onto the breakpoint
// address so stop resolution sees the installed address.
func (p *Process) handleStop(
	status syscall.WaitStatus,
) (
	backend.StopEvent,
	error,
) {
	if status.Exited() {
		p.exited = true
		p.exitStatus = status.ExitStatus()
		return backend.StopEvent{Exited: true, ExitStatus: p.exitStatus}, nil
	}

	if status.Stopped() && status.StopSignal() == syscall.SIGTRAP {
		regs, err := p.tracer.GetRegs()
		if err != nil {
			return backend.StopEvent{}, err
		}

		trapAddr := VirtualAddress(regs.Rip - 1)
		if p.target.enabledSiteAt(trapAddr) != nil {
			regs.Rip -= 1
			err = p.tracer.SetRegs(regs)
			if err != nil {
				return backend.StopEvent{}, err
			}
		}
	}

	return backend.StopEvent{}, nil
}

func (p *Process) ReadMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	if p.exited {
		return 0, ErrProcessExited
	}

	count, err := p.tracer.ReadMemory(uintptr(addr), data)
	if err != nil {
		return count, fmt.Errorf("%w: %v", ErrMemoryAccess, err)
	}

	for _, site := range p.target.sites {
		site.replaceTrapBytes(addr, data[:count])
	}

	return count, nil
}

func (p *Process) ReadPointer(addr VirtualAddress) (uint64, error) {
	buffer := make([]byte, 8)
	count, err := p.ReadMemory(addr, buffer)
	if err != nil {
		return 0, err
	} else if count != 8 {
		return 0, fmt.Errorf(
			"%w: short pointer read at %s",
			ErrMemoryAccess,
			addr)
	}

	return binary.LittleEndian.Uint64(buffer), nil
}

func (p *Process) WritePointer(addr VirtualAddress, value uint64) error {
	if p.exited {
		return ErrProcessExited
	}

	buffer := make([]byte, 8)
	binary.LittleEndian.PutUint64(buffer, value)

	count, err := p.tracer.PokeData(uintptr(addr), buffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryAccess, err)
	} else if count != 8 {
		return fmt.Errorf(
			"%w: short pointer write at %s",
			ErrMemoryAccess,
			addr)
	}

	return nil
}

// swapByte exchanges one byte of process memory, returning the previous
// value. Uses ptrace peek/poke directly since breakpoint patching must
// bypass the trap-byte replacement done by ReadMemory.
func (p *Process) swapByte(addr VirtualAddress, newData byte) (byte, error) {
	buffer := make([]byte, 1)
	_, err := p.tracer.PeekData(uintptr(addr), buffer)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMemoryAccess, err)
	}

	original := buffer[0]
	buffer[0] = newData

	_, err = p.tracer.PokeData(uintptr(addr), buffer)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMemoryAccess, err)
	}

	return original, nil
}

func (p *Process) Register(name string) (uint64, error) {
	if p.exited {
		return 0, ErrProcessExited
	}

	regs, err := p.tracer.GetRegs()
	if err != nil {
		return 0, err
	}

	value, ok := registerValue(regs, name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown register %s", ErrInvalidArgument, name)
	}

	return value, nil
}

func registerValue(regs *unix.PtraceRegs, name string) (uint64, bool) {
	switch name {
	case "rax":
		return regs.Rax, true
	case "rbx":
		return regs.Rbx, true
	case "rcx":
		return regs.Rcx, true
	case "rdx":
		return regs.Rdx, true
	case "rsi":
		return regs.Rsi, true
	case "rdi":
		return regs.Rdi, true
	case "rbp":
		return regs.Rbp, true
	case "rsp":
		return regs.Rsp, true
	case "rip":
		return regs.Rip, true
	case "r8":
		return regs.R8, true
	case "r9":
		return regs.R9, true
	case "r10":
		return regs.R10, true
	case "r11":
		return regs.R11, true
	case "r12":
		return regs.R12, true
	case "r13":
		return regs.R13, true
	case "r14":
		return regs.R14, true
	case "r15":
		return regs.R15, true
	default:
		return 0, false
	}
}

func (p *Process) pc() (VirtualAddress, error) {
	value, err := p.Register("rip")
	if err != nil {
		return 0, err
	}
	return VirtualAddress(value), nil
}

// Frame reconstructs a call frame. Depth 0 is the executing frame;
// depth 1 recovers the caller through the return address saved at the
// stack pointer, which is exact at stub or function entry, the only
// points where the engine inspects the caller.
func (p *Process) Frame(depth int) (backend.Frame, error) {
	if p.exited {
		return backend.Frame{}, ErrProcessExited
	}

	if depth < 0 || depth > 1 {
		return backend.Frame{}, fmt.Errorf(
			"%w: unsupported frame depth %d",
			ErrInvalidArgument,
			depth)
	}

	pc, err := p.pc()
	if err != nil {
		return backend.Frame{}, err
	}

	if depth == 1 {
		rsp, err := p.Register("rsp")
		if err != nil {
			return backend.Frame{}, err
		}

		returnAddr, err := p.ReadPointer(VirtualAddress(rsp))
		if err != nil {
			return backend.Frame{}, err
		}
		pc = VirtualAddress(returnAddr)
	}

	frame := backend.Frame{
		PC:          pc,
		SymbolStart: pc,
	}

	start := pc
	size := uint64(0)
	symbol, ok := p.target.file.symbolContaining(p.target.fileAddress(pc))
	if ok {
		frame.Symbol = symbol.DisplayName()
		start = p.target.file.rebase(p.target.base, uint64(symbol.Address))
		size = symbol.Size
		frame.SymbolStart = start
	}

	frame.Instructions = p.disassemble(start, size, pc)
	return frame, nil
}

// disassemble decodes instructions starting at start. With a known
// symbol size the whole routine is decoded (bounded); otherwise a short
// window from the program counter.
func (p *Process) disassemble(
	start VirtualAddress,
	size uint64,
	pc VirtualAddress,
) []backend.DisassembledInstruction {
	if size == 0 || size > maxFrameInstructions*maxInstructionLength {
		start = pc
		size = 8 * maxInstructionLength
	}

	data := make([]byte, size)
	count, err := p.ReadMemory(start, data)
	if err != nil && count == 0 {
		p.logger.WithError(err).Debugf("cannot disassemble at %s", start)
		return nil
	}
	data = data[:count]

	address := start
	result := []backend.DisassembledInstruction{}
	for len(data) > 0 && len(result) < maxFrameInstructions {
		inst, err := x86asm.Decode(data, 64)
		if err != nil {
			break
		}

		result = append(
			result,
			backend.DisassembledInstruction{
				Address: address,
				Inst:    inst,
			})

		data = data[inst.Len:]
		address += VirtualAddress(inst.Len)
	}

	return result
}

func (p *Process) Kill() error {
	if p.exited {
		return nil
	}

	err := syscall.Kill(p.pid, syscall.SIGKILL)
	if err != nil {
		return fmt.Errorf("failed to kill process %d: %w", p.pid, err)
	}

	reap(p.pid)
	p.tracer.Shutdown()
	p.exited = true
	return nil
}
