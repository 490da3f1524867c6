// Package session exposes the façade consumed by the presentation
// layer. A session owns one address-space reader, one indirection-table
// scanner, one breakpoint registry, and one state-machine instance per
// mode; all backend access happens synchronously from the caller's
// execution context.
package session

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/dyninspect/dyninspect/inspector/addrspace"
	"github.com/dyninspect/dyninspect/inspector/archcfg"
	"github.com/dyninspect/dyninspect/inspector/backend"
	"github.com/dyninspect/dyninspect/inspector/breakpoint"
	. "github.com/dyninspect/dyninspect/inspector/common"
	"github.com/dyninspect/dyninspect/inspector/logflags"
	"github.com/dyninspect/dyninspect/inspector/phase"
	"github.com/dyninspect/dyninspect/inspector/pltscan"
)

type Session struct {
	profile archcfg.Profile
	logger  *logrus.Entry

	backend backend.Backend
	sink    EventSink

	mode       Mode
	targetPath string

	target  backend.Target
	process backend.Process

	reader   *addrspace.Reader
	Scanner  *pltscan.Scanner
	Registry *breakpoint.Registry

	linkMachine *phase.LinkMachine
	loadMachine *phase.LoadMachine

	selectedFunction string
}

func New(
	profile archcfg.Profile,
	debuggerBackend backend.Backend,
	sink EventSink,
) *Session {
	session := &Session{
		profile: profile,
		logger:  logflags.SessionLogger(),
		backend: debuggerBackend,
		sink:    sink,
		mode:    LinkInspection,
	}

	driver := &sessionDriver{session: session}
	session.linkMachine = phase.NewLinkMachine(
		profile,
		logflags.PhaseLogger(),
		driver)
	session.loadMachine = phase.NewLoadMachine(
		profile,
		logflags.PhaseLogger(),
		driver)

	return session
}

func (session *Session) Mode() Mode {
	return session.mode
}

// SetTarget binds an executable image, clearing all prior session
// state. On failure the session stays in its pre-run state.
func (session *Session) SetTarget(path string) error {
	session.teardownProcess()

	if session.target != nil {
		_ = session.target.Close()
		session.target = nil
	}

	target, err := session.backend.CreateTarget(path)
	if err != nil {
		session.console("Could not set target %s: %v.", path, err)
		return fmt.Errorf("%w: %s", ErrBadTarget, path)
	}

	session.targetPath = path
	session.target = target
	session.Registry = breakpoint.NewRegistry(target)
	session.Scanner = pltscan.NewScanner(
		session.profile,
		logflags.ScannerLogger(),
		target)
	session.reader = nil
	session.selectedFunction = ""

	session.console("Target set to %s.", path)
	return nil
}

// SetMode switches between link and load inspection, restarting the
// session against the current target.
func (session *Session) SetMode(mode Mode) error {
	session.mode = mode
	session.sink.ClearDisplay()

	if session.targetPath != "" {
		return session.SetTarget(session.targetPath)
	}
	return nil
}

// Run launches the target process, performs the initial table scan,
// and installs the mode's breakpoints.
func (session *Session) Run() error {
	if session.target == nil {
		session.console("No target set.")
		return ErrNoProcess
	}

	// A previous process from an earlier run is discarded first.
	if session.process != nil {
		err := session.Stop()
		if err != nil {
			return err
		}
	}

	session.sink.ClearDisplay()

	process, err := session.target.Launch()
	if err != nil {
		session.console("Could not launch target: %v.", err)
		return err
	}

	session.process = process
	session.reader = addrspace.NewReader(session.target)
	session.Scanner.BindProcess(process)

	session.console("Target started: %s.", session.targetPath)

	switch session.mode {
	case LoadInspection:
		err = session.runLoadInspection()
	default:
		err = session.runLinkInspection()
	}
	if err != nil {
		return err
	}

	session.sink.SetContinueEnabled(true)
	session.renderFrame(0)
	return nil
}

func (session *Session) runLinkInspection() error {
	_, err := session.Scanner.Scan()
	if err != nil {
		session.console("Stub scan failed: %v.", err)
		return err
	}

	for _, name := range session.Scanner.Names() {
		entry, _ := session.Scanner.Entry(name)

		_, err := session.Registry.InstallFunction(name, entry.StubAddress)
		if err != nil {
			session.logger.WithError(err).Warnf(
				"could not install stub breakpoint for %s",
				name)
			continue
		}

		session.sink.AddSelectableFunction(entry.DisplayName)
	}

	session.linkMachine.Reset()
	session.publishTable()
	session.publishSections()
	return nil
}

func (session *Session) runLoadInspection() error {
	calls := []struct {
		symbol string
		tag    breakpoint.Tag
	}{
		{session.profile.LoaderOpenSymbol, breakpoint.LibraryOpenCall},
		{session.profile.LoaderSymSymbol, breakpoint.LibrarySymbolCall},
		{session.profile.LoaderCloseSymbol, breakpoint.LibraryCloseCall},
	}

	for _, call := range calls {
		addr, err := session.target.SymbolAddress(call.symbol)
		if err != nil {
			session.logger.WithError(err).Debugf(
				"loader symbol %s not present in target",
				call.symbol)
			continue
		}

		_, err = session.Registry.Install(addr, call.tag)
		if err != nil {
			session.console(
				"Could not install breakpoint on %s: %v.",
				call.symbol,
				err)
		}
	}

	session.loadMachine.Reset()
	session.publishModules()
	return nil
}

// Continue advances the active state machine by one narration step.
func (session *Session) Continue() error {
	if session.process == nil {
		session.console("No target running.")
		return ErrNoProcess
	}

	var err error
	switch session.mode {
	case LoadInspection:
		err = session.loadMachine.Advance()
	default:
		err = session.linkMachine.Advance()
	}
	if err != nil {
		session.console("Continue failed: %v.", err)
		return err
	}

	// Keep the displayed views current at every transition.
	session.Scanner.Refresh()
	switch session.mode {
	case LoadInspection:
		session.publishModules()
	default:
		session.publishTable()
		session.publishSections()
	}

	return nil
}

// SetBreakpointFunction selects the single monitored function. The
// previous selection, if any, is disabled first.
func (session *Session) SetBreakpointFunction(name string) error {
	if name == "" {
		return nil
	}

	if session.Registry == nil {
		session.console("No target running.")
		return ErrNoProcess
	}

	err := session.Registry.Enable(name, true)
	if err != nil {
		session.console("Could not set breakpoint on %s: %v.", name, err)
		return err
	}

	session.selectedFunction = name
	session.console("Breakpoint set on function %s.", name)
	return nil
}

// WriteTableValue patches one indirection-table slot. Both the slot
// address and the value must be well-formed hex addresses; nothing is
// written otherwise.
func (session *Session) WriteTableValue(
	addressHex string,
	valueHex string,
) error {
	address, err := breakpoint.ParseHexAddress(addressHex)
	if err != nil {
		session.console("Rejected table write: %v.", err)
		return err
	}

	value, err := breakpoint.ParseHexAddress(valueHex)
	if err != nil {
		session.console("Rejected table write: %v.", err)
		return err
	}

	if session.process == nil || session.process.Exited() {
		session.console("No target running.")
		return ErrNoProcess
	}

	err = session.process.WritePointer(address, uint64(value))
	if err != nil {
		session.console("Table write failed: %v.", err)
		return fmt.Errorf("%w: %v", ErrMemoryAccess, err)
	}

	session.console("Table slot %s set to %s.", address, value)
	session.Scanner.Refresh()
	session.publishTable()
	return nil
}

// Stop tears down the process and all breakpoints, then re-binds the
// same target image so a subsequent Run starts clean.
func (session *Session) Stop() error {
	session.teardownProcess()

	if session.targetPath == "" {
		return nil
	}

	return session.SetTarget(session.targetPath)
}

func (session *Session) teardownProcess() {
	if session.Registry != nil {
		err := session.Registry.Clear()
		if err != nil {
			session.logger.WithError(err).Warn("failed to clear breakpoints")
		}
	}

	if session.process != nil {
		if !session.process.Exited() {
			err := session.process.Kill()
			if err != nil {
				session.logger.WithError(err).Warn("failed to kill process")
			}
		}
		session.process = nil
	}

	session.reader = nil
	session.selectedFunction = ""
}

func (session *Session) console(format string, args ...interface{}) {
	session.sink.ConsoleMessage(fmt.Sprintf(format, args...))
}

func (session *Session) renderFrame(depth int) {
	if session.process == nil || session.process.Exited() {
		return
	}

	frame, err := session.process.Frame(depth)
	if err != nil {
		session.logger.WithError(err).Debugf("cannot read frame %d", depth)
		return
	}

	text, highlighted := formatFrame(frame, depth)
	session.sink.RenderFrame(text, highlighted)
}

func (session *Session) publishTable() {
	entries := session.Scanner.Entries()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]TableRow, 0, len(entries))
	for _, name := range names {
		entry := entries[name]
		rows = append(
			rows,
			TableRow{
				Name:    entry.DisplayName,
				Address: entry.TableAddress.String(),
				Value:   fmt.Sprintf("0x%016x", entry.TableValue),
			})
	}

	session.sink.TableUpdated(rows)
}

func (session *Session) publishSections() {
	if session.reader == nil {
		session.sink.SectionsUpdated(nil)
		return
	}

	pc := session.currentPC()
	sections := session.reader.SectionLayout(session.profile.WatchedSections, pc)

	rows := make([]SectionRow, 0, len(sections))
	for _, section := range sections {
		current := ""
		if section.ContainsPC {
			current = pc.String()
		}

		rows = append(
			rows,
			SectionRow{
				Start:   section.Start.String(),
				End:     section.End.String(),
				Name:    section.Module + section.Name,
				Current: current,
			})
	}

	session.sink.SectionsUpdated(rows)
}

func (session *Session) publishModules() {
	if session.reader == nil {
		session.sink.ModulesUpdated(nil)
		return
	}

	modules := session.reader.ListModules()

	rows := make([]ModuleRow, 0, len(modules))
	for _, module := range modules {
		rows = append(
			rows,
			ModuleRow{
				Start:  module.Start.String(),
				End:    module.End.String(),
				Size:   fmt.Sprintf("%d", module.Size),
				Name:   module.Name,
				Origin: string(module.Origin),
			})
	}

	session.sink.ModulesUpdated(rows)
}

func (session *Session) currentPC() VirtualAddress {
	if session.process == nil || session.process.Exited() {
		return 0
	}

	pc, err := session.process.Register("rip")
	if err != nil {
		return 0
	}
	return VirtualAddress(pc)
}

// sessionDriver adapts the session to the state machines' driver
// contract.
type sessionDriver struct {
	session *Session
}

func (driver *sessionDriver) Running() bool {
	process := driver.session.process
	return process != nil && !process.Exited()
}

func (driver *sessionDriver) Resume() (backend.StopEvent, error) {
	return driver.session.process.Resume()
}

func (driver *sessionDriver) Step() (backend.StopEvent, error) {
	return driver.session.process.StepInstruction()
}

func (driver *sessionDriver) FramePC(depth int) (VirtualAddress, error) {
	frame, err := driver.session.process.Frame(depth)
	if err != nil {
		return 0, err
	}
	return frame.PC, nil
}

func (driver *sessionDriver) RenderFrame(depth int) {
	driver.session.renderFrame(depth)
}

func (driver *sessionDriver) Console(format string, args ...interface{}) {
	driver.session.console(format, args...)
}

func (driver *sessionDriver) SetContinueEnabled(enabled bool) {
	driver.session.sink.SetContinueEnabled(enabled)
}

func (driver *sessionDriver) SelectedFunction() (*pltscan.TableEntry, bool) {
	if driver.session.selectedFunction == "" {
		return nil, false
	}
	return driver.session.Scanner.Entry(driver.session.selectedFunction)
}

func (driver *sessionDriver) StoppedOnSelection() bool {
	selected := driver.session.Registry.Selected()
	if selected == nil {
		return false
	}

	pc, err := driver.FramePC(0)
	if err != nil {
		return false
	}

	return driver.session.Registry.Resolve(pc) == selected
}

func (driver *sessionDriver) DispatchStop() (*breakpoint.Record, error) {
	session := driver.session

	pc, err := driver.FramePC(0)
	if err != nil {
		return nil, err
	}

	ctx := breakpoint.HitContext{}

	callerFrame, err := session.process.Frame(1)
	if err == nil {
		ctx.ReturnAddress = callerFrame.PC
	}

	returnValue, err := session.process.Register(session.profile.ReturnRegister)
	if err == nil {
		ctx.ReturnRegisterHex = fmt.Sprintf("%#x", returnValue)
	}

	record, installed, err := session.Registry.Dispatch(pc, ctx)
	if err != nil {
		session.console("Breakpoint chaining failed: %v.", err)
		return record, nil
	}

	for _, chained := range installed {
		session.logger.Debugf(
			"installed %s breakpoint at %s",
			chained.Tag,
			chained.Address)
	}

	return record, nil
}
