package phase

import (
	"github.com/sirupsen/logrus"

	"github.com/dyninspect/dyninspect/inspector/archcfg"
	"github.com/dyninspect/dyninspect/inspector/breakpoint"
)

// LoadMachine narrates explicit dynamic loading. Unlike the link
// machine it keeps no step counter: loader invocation here is a single
// opaque call, so progress is driven purely by the tags of the
// breakpoints being hit, alternating between the caller's frame on a
// fresh stop and the current frame afterwards.
type LoadMachine struct {
	profile archcfg.Profile
	logger  *logrus.Entry
	driver  Driver

	state State
}

func NewLoadMachine(
	profile archcfg.Profile,
	logger *logrus.Entry,
	driver Driver,
) *LoadMachine {
	return &LoadMachine{
		profile: profile,
		logger:  logger,
		driver:  driver,
		state:   State{Kind: Idle},
	}
}

func (machine *LoadMachine) State() State {
	return machine.state
}

func (machine *LoadMachine) Reset() {
	machine.state = State{Kind: ShowingPreviousFrame}
}

func (machine *LoadMachine) Advance() error {
	if !machine.driver.Running() && machine.state.Kind != Finished {
		machine.driver.Console("No target running.")
		return nil
	}

	machine.logger.Debugf("advance from state: %s", machine.state)

	switch machine.state.Kind {
	case Idle:
		machine.driver.Console("No target running.")
		return nil

	case ShowingPreviousFrame:
		return machine.advanceToNextStop()

	case ShowingCurrentFrame:
		machine.driver.RenderFrame(0)
		machine.state = State{Kind: ShowingPreviousFrame}
		return nil

	default: // Finished
		machine.driver.Console("Execution finished. Process exited normally.")
		machine.driver.SetContinueEnabled(false)
		return nil
	}
}

func (machine *LoadMachine) advanceToNextStop() error {
	event, err := machine.driver.Resume()
	if err != nil {
		return err
	}

	if event.Exited {
		machine.finish()
		return nil
	}

	record, err := machine.driver.DispatchStop()
	if err != nil {
		return err
	}

	if record == nil {
		machine.driver.RenderFrame(0)
		machine.driver.Console("Process stopped outside the watched calls.")
		return nil
	}

	if record.Tag == breakpoint.ReturnFromDynamicCall {
		machine.driver.RenderFrame(0)
		machine.driver.Console(
			"Returned from the dynamically resolved routine.")
		return nil
	}

	machine.driver.RenderFrame(1)

	if isLoaderCall(record.Tag) {
		machine.narrateCall(record.Tag)

		// The chained return breakpoint is already armed; run the opaque
		// loader call to completion in one go.
		event, err = machine.driver.Resume()
		if err != nil {
			return err
		}

		if event.Exited {
			machine.finish()
			return nil
		}

		record, err = machine.driver.DispatchStop()
		if err != nil {
			return err
		}
	}

	if record != nil && isAdvancingTag(record.Tag) {
		machine.narrateReturn(record.Tag)
		machine.state = State{Kind: ShowingCurrentFrame}
	}

	return nil
}

func (machine *LoadMachine) narrateCall(tag breakpoint.Tag) {
	switch tag {
	case breakpoint.LibraryOpenCall:
		machine.driver.Console(
			"Intercepted a call to %s. The loader will map the requested "+
				"library into the address space.",
			machine.profile.LoaderOpenSymbol)
	case breakpoint.LibrarySymbolCall:
		machine.driver.Console(
			"Intercepted a call to %s. The loader will resolve the "+
				"requested symbol inside the loaded library.",
			machine.profile.LoaderSymSymbol)
	case breakpoint.LibraryCloseCall:
		machine.driver.Console(
			"Intercepted a call to %s. The loader will unmap the library.",
			machine.profile.LoaderCloseSymbol)
	}

	machine.driver.Console(
		"A breakpoint was installed at the caller's return address.")
}

func (machine *LoadMachine) narrateReturn(tag breakpoint.Tag) {
	switch tag {
	case breakpoint.ReturnFromOpen:
		machine.driver.Console(
			"Returned from %s. The library is now mapped. Compare the "+
				"module list against the state before the call.",
			machine.profile.LoaderOpenSymbol)
	case breakpoint.ReturnFromSymbolLookup:
		machine.driver.Console(
			"Returned from %s. The resolved routine address was read from "+
				"the %s register. A breakpoint now guards the routine itself.",
			machine.profile.LoaderSymSymbol,
			machine.profile.ReturnRegister)
	case breakpoint.ReturnFromClose:
		machine.driver.Console(
			"Returned from %s. The library has been unmapped.",
			machine.profile.LoaderCloseSymbol)
	case breakpoint.DynamicCallTarget:
		machine.driver.Console(
			"Entered the dynamically resolved routine through the pointer "+
				"obtained from %s.",
			machine.profile.LoaderSymSymbol)
	}
}

func (machine *LoadMachine) finish() {
	machine.state = State{Kind: Finished}
	machine.driver.Console("Execution finished. Process exited normally.")
	machine.driver.SetContinueEnabled(false)
}

func isLoaderCall(tag breakpoint.Tag) bool {
	switch tag {
	case breakpoint.LibraryOpenCall,
		breakpoint.LibrarySymbolCall,
		breakpoint.LibraryCloseCall:

		return true
	default:
		return false
	}
}

func isAdvancingTag(tag breakpoint.Tag) bool {
	switch tag {
	case breakpoint.DynamicCallTarget,
		breakpoint.ReturnFromOpen,
		breakpoint.ReturnFromSymbolLookup,
		breakpoint.ReturnFromClose:

		return true
	default:
		return false
	}
}
