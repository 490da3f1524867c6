// Package ptraceback is a reference Linux implementation of the
// debugger-backend contract, built directly on ptrace. It controls one
// single-threaded inspected process at a time, matching the engine's
// cooperative scheduling model.
package ptraceback

import (
	"debug/elf"
	"fmt"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
	"github.com/dyninspect/dyninspect/inspector/logflags"
)

type Backend struct {
	logger *logrus.Entry
}

func New() *Backend {
	return &Backend{
		logger: logflags.PtraceBackendLogger(),
	}
}

func (b *Backend) CreateTarget(path string) (backend.Target, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTarget, path)
	}

	file, err := openElfFile(absPath)
	if err != nil {
		return nil, err
	}

	return &Target{
		path:   absPath,
		file:   file,
		logger: b.logger,
		sites:  map[VirtualAddress]*breakSite{},
	}, nil
}

type Target struct {
	path string
	file *elfFile

	logger *logrus.Entry

	process *Process
	base    VirtualAddress

	sites map[VirtualAddress]*breakSite
}

func (t *Target) Launch() (backend.Process, error) {
	cmd := exec.Command(t.path)

	tracer, status, err := startTracer(cmd)
	if err != nil {
		return nil, err
	}

	if status.Exited() {
		return nil, fmt.Errorf(
			"process %s exited during launch",
			t.path)
	}

	process := &Process{
		target: t,
		tracer: tracer,
		pid:    cmd.Process.Pid,
		logger: t.logger,
	}

	base := VirtualAddress(0)
	if t.file.isDynamic {
		base, err = moduleBase(process.pid, t.path)
		if err != nil {
			_ = process.Kill()
			return nil, err
		}
	}

	t.base = base
	t.process = process
	t.logger.Debugf("launched %s as pid %d, base %s", t.path, process.pid, base)
	return process, nil
}

func (t *Target) Modules() ([]backend.Module, error) {
	if t.process == nil || t.process.exited {
		return []backend.Module{
			{Name: t.path, Start: UnmappedAddress},
		}, nil
	}

	return listModules(t.process.pid)
}

func (t *Target) Sections() ([]backend.Section, error) {
	result := []backend.Section{}
	for _, section := range t.file.sections {
		// Only allocated sections occupy the address space.
		if section.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		result = append(
			result,
			backend.Section{
				Name:        section.Name,
				Module:      t.path,
				LoadAddress: t.file.rebase(t.base, section.Addr),
				FileOffset:  section.Offset,
				Size:        section.Size,
			})
	}

	return result, nil
}

func (t *Target) Symbols(section string) ([]backend.Symbol, error) {
	return t.file.symbolsIn(t.base, section), nil
}

// SymbolAddress resolves a symbol in the executable first, then in
// every shared object currently mapped into the process.
func (t *Target) SymbolAddress(name string) (VirtualAddress, error) {
	symbol, ok := t.file.symbolNamed(name)
	if ok {
		return t.file.rebase(t.base, uint64(symbol.Address)), nil
	}

	if t.process == nil || t.process.exited {
		return 0, fmt.Errorf("%w: symbol %s not found", ErrInvalidArgument, name)
	}

	modules, err := listModules(t.process.pid)
	if err != nil {
		return 0, err
	}

	for _, module := range modules {
		if module.Name == t.path {
			continue
		}

		library, err := openElfFile(module.Name)
		if err != nil {
			continue
		}

		symbol, ok := library.symbolNamed(name)
		if !ok {
			continue
		}

		return library.rebase(module.Start, uint64(symbol.Address)), nil
	}

	return 0, fmt.Errorf("%w: symbol %s not found", ErrInvalidArgument, name)
}

func (t *Target) CreateBreakpoint(
	addr VirtualAddress,
) (
	backend.Breakpoint,
	error,
) {
	site, ok := t.sites[addr]
	if !ok {
		site = &breakSite{target: t, address: addr}
		t.sites[addr] = site
	}

	return &breakHandle{site: site}, nil
}

func (t *Target) DeleteAllBreakpoints() error {
	for _, site := range t.sites {
		if site.refs == 0 {
			continue
		}

		err := site.setPhysical(false)
		if err != nil {
			t.logger.WithError(err).Debugf(
				"could not restore breakpoint bytes at %s",
				site.address)
		}
	}

	t.sites = map[VirtualAddress]*breakSite{}
	return nil
}

func (t *Target) Close() error {
	if t.process != nil && !t.process.exited {
		return t.process.Kill()
	}
	return nil
}

// fileAddress converts a process virtual address back into the
// executable's file address space.
func (t *Target) fileAddress(addr VirtualAddress) uint64 {
	if !t.file.isDynamic {
		return uint64(addr)
	}
	return uint64(addr-t.base) + t.file.loadBias
}

func (t *Target) enabledSiteAt(addr VirtualAddress) *breakSite {
	site, ok := t.sites[addr]
	if ok && site.refs > 0 {
		return site
	}
	return nil
}

const int3Instruction = byte(0xcc)

// breakSite is one physical int3 patch. Multiple logical breakpoints at
// the same address share a site; the patch is live while any of them is
// enabled.
type breakSite struct {
	target  *Target
	address VirtualAddress

	refs         int
	originalData byte
}

func (site *breakSite) setPhysical(enabled bool) error {
	process := site.target.process
	if process == nil || process.exited {
		return nil
	}

	if enabled {
		original, err := process.swapByte(site.address, int3Instruction)
		if err != nil {
			return fmt.Errorf(
				"failed to arm breakpoint at %s: %w",
				site.address,
				err)
		}
		site.originalData = original
		return nil
	}

	_, err := process.swapByte(site.address, site.originalData)
	if err != nil {
		return fmt.Errorf(
			"failed to restore breakpoint bytes at %s: %w",
			site.address,
			err)
	}
	return nil
}

// replaceTrapBytes substitutes original instruction bytes for any armed
// int3 patches within the slice read from memory.
func (site *breakSite) replaceTrapBytes(
	startAddr VirtualAddress,
	memorySlice []byte,
) {
	if site.refs == 0 {
		return
	}

	endAddr := startAddr + VirtualAddress(len(memorySlice))
	if startAddr <= site.address && site.address < endAddr {
		memorySlice[int(site.address-startAddr)] = site.originalData
	}
}

type breakHandle struct {
	site    *breakSite
	enabled bool
}

func (handle *breakHandle) Address() VirtualAddress {
	return handle.site.address
}

func (handle *breakHandle) IsEnabled() bool {
	return handle.enabled
}

func (handle *breakHandle) SetEnabled(enabled bool) error {
	if enabled == handle.enabled {
		return nil
	}

	site := handle.site
	if enabled {
		if site.refs == 0 {
			err := site.setPhysical(true)
			if err != nil {
				return err
			}
		}
		site.refs += 1
	} else {
		site.refs -= 1
		if site.refs == 0 {
			err := site.setPhysical(false)
			if err != nil {
				site.refs += 1
				return err
			}
		}
	}

	handle.enabled = enabled
	return nil
}

// reap waits for a killed process to be collected.
func reap(pid int) {
	var status syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &status, 0, nil)
}
