package phase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/dyninspect/dyninspect/inspector/archcfg"
	"github.com/dyninspect/dyninspect/inspector/backend"
	"github.com/dyninspect/dyninspect/inspector/breakpoint"
	. "github.com/dyninspect/dyninspect/inspector/common"
	"github.com/dyninspect/dyninspect/inspector/logflags"
	"github.com/dyninspect/dyninspect/inspector/pltscan"
)

// fakeDriver scripts the session surface the machines drive: each
// Resume pops a stop event, each Step pops a program counter, each
// DispatchStop pops a record.
type fakeDriver struct {
	running bool

	pc       VirtualAddress
	callerPC VirtualAddress

	resumeScript   []backend.StopEvent
	stepScript     []VirtualAddress
	dispatchScript []*breakpoint.Record

	selected    *pltscan.TableEntry
	onSelection bool

	console         []string
	renderedDepths  []int
	continueEnabled bool
}

func (d *fakeDriver) Running() bool {
	return d.running
}

func (d *fakeDriver) Resume() (backend.StopEvent, error) {
	if len(d.resumeScript) == 0 {
		d.running = false
		return backend.StopEvent{Exited: true}, nil
	}

	event := d.resumeScript[0]
	d.resumeScript = d.resumeScript[1:]

	if event.Exited {
		d.running = false
	}
	return event, nil
}

func (d *fakeDriver) Step() (backend.StopEvent, error) {
	if len(d.stepScript) == 0 {
		d.pc += 1
		return backend.StopEvent{}, nil
	}

	d.pc = d.stepScript[0]
	d.stepScript = d.stepScript[1:]
	return backend.StopEvent{}, nil
}

func (d *fakeDriver) FramePC(depth int) (VirtualAddress, error) {
	if depth > 0 {
		return d.callerPC, nil
	}
	return d.pc, nil
}

func (d *fakeDriver) RenderFrame(depth int) {
	d.renderedDepths = append(d.renderedDepths, depth)
}

func (d *fakeDriver) Console(format string, args ...interface{}) {
	d.console = append(d.console, fmt.Sprintf(format, args...))
}

func (d *fakeDriver) SetContinueEnabled(enabled bool) {
	d.continueEnabled = enabled
}

func (d *fakeDriver) SelectedFunction() (*pltscan.TableEntry, bool) {
	return d.selected, d.selected != nil
}

func (d *fakeDriver) StoppedOnSelection() bool {
	return d.onSelection
}

func (d *fakeDriver) DispatchStop() (*breakpoint.Record, error) {
	if len(d.dispatchScript) == 0 {
		return nil, nil
	}

	record := d.dispatchScript[0]
	d.dispatchScript = d.dispatchScript[1:]
	return record, nil
}

func (d *fakeDriver) saidSomethingLike(substr string) bool {
	for _, line := range d.console {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type LinkMachineSuite struct{}

func TestLinkMachine(t *testing.T) {
	suite.RunTests(t, &LinkMachineSuite{})
}

func newLinkMachine(driver *fakeDriver) *LinkMachine {
	return NewLinkMachine(archcfg.AMD64(), logflags.PhaseLogger(), driver)
}

func (LinkMachineSuite) TestIdleWithoutReset(t *testing.T) {
	driver := &fakeDriver{running: true}
	machine := newLinkMachine(driver)

	expect.Equal(t, Idle, machine.State().Kind)
	expect.Nil(t, machine.Advance())
	expect.Equal(t, Idle, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("No target running."))
}

func (LinkMachineSuite) TestNotRunning(t *testing.T) {
	driver := &fakeDriver{running: false}
	machine := newLinkMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, AwaitingFirstStop, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("No target running."))
}

func (LinkMachineSuite) TestFirstCallSequence(t *testing.T) {
	stub := VirtualAddress(0x1010)
	driver := &fakeDriver{
		running:  true,
		pc:       stub,
		callerPC: VirtualAddress(0x4010),
		resumeScript: []backend.StopEvent{
			{}, // stop on the stub breakpoint
			{}, // stop back in the caller after resolution
		},
		// The dispatch instruction falls through into the stub body,
		// then four loader steps.
		stepScript: []VirtualAddress{
			stub + 6,
			VirtualAddress(0x1000),
			VirtualAddress(0x1006),
			VirtualAddress(0x7f0000010000),
			VirtualAddress(0x7f0000010004),
		},
		selected: &pltscan.TableEntry{
			Name:         "printf",
			DisplayName:  "printf",
			StubAddress:  stub,
			TableAddress: VirtualAddress(0x3018),
			TableValue:   uint64(stub) + 6,
		},
		onSelection: true,
	}

	machine := newLinkMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCallerFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("redirected to the .plt section"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCalleeFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("entry in the .got.plt section"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, SteppingThroughStub, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("jump to the address indicated"))

	// The single step advances by exactly the dispatch width, so this
	// is the first call and the loader is about to run.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, InvokingLoader, machine.State().Kind)
	expect.Equal(t, 4, machine.State().StepsRemaining)
	expect.True(t, driver.saidSomethingLike("Lazy binding takes place"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, InvokingLoader, machine.State().Kind)
	expect.Equal(t, 3, machine.State().StepsRemaining)
	expect.True(t, driver.saidSomethingLike("header instructions there invoke"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, 2, machine.State().StepsRemaining)
	expect.Nil(t, machine.Advance())
	expect.Equal(t, 1, machine.State().StepsRemaining)

	expect.Nil(t, machine.Advance())
	expect.Equal(t, AwaitingReturn, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Dynamic loader invoked"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, AwaitingFirstStop, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Return to caller context."))

	// The resume script is exhausted: the process exits.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, Finished, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Execution finished"))
	expect.False(t, driver.continueEnabled)
}

func (LinkMachineSuite) TestAlreadyResolvedCall(t *testing.T) {
	stub := VirtualAddress(0x1010)
	resolved := VirtualAddress(0x7f0000002000)
	driver := &fakeDriver{
		running:      true,
		pc:           stub,
		resumeScript: []backend.StopEvent{{}, {}},
		stepScript:   []VirtualAddress{resolved},
		selected: &pltscan.TableEntry{
			Name:         "malloc",
			DisplayName:  "malloc",
			StubAddress:  stub,
			TableAddress: VirtualAddress(0x3020),
			TableValue:   uint64(resolved),
		},
		onSelection: true,
	}

	machine := newLinkMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Nil(t, machine.Advance())
	expect.Nil(t, machine.Advance())
	expect.Equal(t, SteppingThroughStub, machine.State().Kind)

	// The step lands directly in the routine: the slot was already
	// patched by a previous call.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, CallResolved, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("It is not the first call"))
	expect.True(t, driver.saidSomethingLike("In the actual routine"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, AwaitingFirstStop, machine.State().Kind)
}

func (LinkMachineSuite) TestStopOffSelection(t *testing.T) {
	driver := &fakeDriver{
		running:      true,
		resumeScript: []backend.StopEvent{{}},
		onSelection:  false,
	}

	machine := newLinkMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, AwaitingFirstStop, machine.State().Kind)
	expect.True(
		t,
		driver.saidSomethingLike("not on the monitored function"))
}

func (LinkMachineSuite) TestExitOnFirstResume(t *testing.T) {
	driver := &fakeDriver{
		running:      true,
		resumeScript: []backend.StopEvent{{Exited: true}},
	}

	machine := newLinkMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, Finished, machine.State().Kind)
	expect.False(t, driver.continueEnabled)

	// Further advances repeat the finished message without touching the
	// process.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, Finished, machine.State().Kind)
}

type LoadMachineSuite struct{}

func TestLoadMachine(t *testing.T) {
	suite.RunTests(t, &LoadMachineSuite{})
}

func newLoadMachine(driver *fakeDriver) *LoadMachine {
	return NewLoadMachine(archcfg.AMD64(), logflags.PhaseLogger(), driver)
}

func record(tag breakpoint.Tag) *breakpoint.Record {
	return &breakpoint.Record{Tag: tag}
}

func (LoadMachineSuite) TestSymbolLookupSequence(t *testing.T) {
	driver := &fakeDriver{
		running: true,
		resumeScript: []backend.StopEvent{
			{}, // dlsym call
			{}, // return from dlsym
			{}, // dynamic call target
			{}, // return from the dynamic call
		},
		dispatchScript: []*breakpoint.Record{
			record(breakpoint.LibrarySymbolCall),
			record(breakpoint.ReturnFromSymbolLookup),
			record(breakpoint.DynamicCallTarget),
			record(breakpoint.ReturnFromDynamicCall),
		},
	}

	machine := newLoadMachine(driver)
	machine.Reset()
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)

	// One advance runs the opaque dlsym call to completion: the call is
	// intercepted, narrated, and resumed into its chained return stop.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCurrentFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Intercepted a call to dlsym"))
	expect.True(
		t,
		driver.saidSomethingLike("installed at the caller's return address"))
	expect.True(t, driver.saidSomethingLike("Returned from dlsym"))
	expect.True(t, driver.saidSomethingLike("rax register"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)

	// Next stop is the dynamically resolved routine itself.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCurrentFrame, machine.State().Kind)
	expect.True(
		t,
		driver.saidSomethingLike("Entered the dynamically resolved routine"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)

	// Returning from the routine is narrated without a frame flip.
	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)
	expect.True(
		t,
		driver.saidSomethingLike("Returned from the dynamically resolved routine"))
}

func (LoadMachineSuite) TestOpenAndCloseSequence(t *testing.T) {
	driver := &fakeDriver{
		running: true,
		resumeScript: []backend.StopEvent{
			{}, {}, // dlopen call, return from dlopen
			{}, {}, // dlclose call, return from dlclose
		},
		dispatchScript: []*breakpoint.Record{
			record(breakpoint.LibraryOpenCall),
			record(breakpoint.ReturnFromOpen),
			record(breakpoint.LibraryCloseCall),
			record(breakpoint.ReturnFromClose),
		},
	}

	machine := newLoadMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCurrentFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Intercepted a call to dlopen"))
	expect.True(t, driver.saidSomethingLike("library is now mapped"))

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingCurrentFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("Intercepted a call to dlclose"))
	expect.True(t, driver.saidSomethingLike("library has been unmapped"))
}

func (LoadMachineSuite) TestStopOutsideWatchedCalls(t *testing.T) {
	driver := &fakeDriver{
		running:      true,
		resumeScript: []backend.StopEvent{{}},
	}

	machine := newLoadMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("outside the watched calls"))
}

func (LoadMachineSuite) TestExitMidLoaderCall(t *testing.T) {
	driver := &fakeDriver{
		running: true,
		resumeScript: []backend.StopEvent{
			{}, // dlopen call; the follow-up resume exits
		},
		dispatchScript: []*breakpoint.Record{
			record(breakpoint.LibraryOpenCall),
		},
	}

	machine := newLoadMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, Finished, machine.State().Kind)
	expect.False(t, driver.continueEnabled)
}

func (LoadMachineSuite) TestNotRunning(t *testing.T) {
	driver := &fakeDriver{running: false}

	machine := newLoadMachine(driver)
	machine.Reset()

	expect.Nil(t, machine.Advance())
	expect.Equal(t, ShowingPreviousFrame, machine.State().Kind)
	expect.True(t, driver.saidSomethingLike("No target running."))
}
