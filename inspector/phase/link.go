package phase

import (
	"github.com/sirupsen/logrus"

	"github.com/dyninspect/dyninspect/inspector/archcfg"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

// LinkMachine narrates lazy binding: stub jump, loader invocation,
// table patch, routine entry, and return, one continue request at a
// time.
type LinkMachine struct {
	profile archcfg.Profile
	logger  *logrus.Entry
	driver  Driver

	state State
}

func NewLinkMachine(
	profile archcfg.Profile,
	logger *logrus.Entry,
	driver Driver,
) *LinkMachine {
	return &LinkMachine{
		profile: profile,
		logger:  logger,
		driver:  driver,
		state:   State{Kind: Idle},
	}
}

func (machine *LinkMachine) State() State {
	return machine.state
}

// Reset arms the machine for a freshly launched process.
func (machine *LinkMachine) Reset() {
	machine.state = State{Kind: AwaitingFirstStop}
}

// Advance consumes one continue request and performs exactly one
// narration step.
func (machine *LinkMachine) Advance() error {
	if !machine.driver.Running() && machine.state.Kind != Finished {
		machine.driver.Console("No target running.")
		return nil
	}

	machine.logger.Debugf("advance from state: %s", machine.state)

	switch machine.state.Kind {
	case Idle:
		machine.driver.Console("No target running.")
		return nil

	case AwaitingFirstStop:
		return machine.awaitFirstStop()

	case ShowingCallerFrame:
		return machine.showCalleeFrame()

	case ShowingCalleeFrame:
		return machine.approachDispatch()

	case SteppingThroughStub:
		return machine.stepThroughStub()

	case InvokingLoader:
		return machine.stepLoader()

	case AwaitingReturn, CallResolved:
		return machine.returnToCaller()

	default: // Finished
		machine.driver.Console("Execution finished. Process exited normally.")
		machine.driver.SetContinueEnabled(false)
		return nil
	}
}

// awaitFirstStop resumes until the selected stub breakpoint is hit or
// the process exits.
func (machine *LinkMachine) awaitFirstStop() error {
	event, err := machine.driver.Resume()
	if err != nil {
		return err
	}

	if event.Exited {
		machine.finish()
		return nil
	}

	machine.driver.RenderFrame(1)

	if !machine.driver.StoppedOnSelection() {
		machine.driver.Console(
			"Process stopped, but not on the monitored function.")
		return nil
	}

	stubPC, err := machine.driver.FramePC(0)
	if err != nil {
		return err
	}

	machine.driver.Console(
		"Process stopped on breakpoint. The current instruction calls " +
			"the function monitored.")
	machine.driver.Console(
		"The function call is redirected to the %s section at address %s.",
		machine.profile.StubSection,
		stubPC)

	machine.state = State{Kind: ShowingCallerFrame}
	return nil
}

// showCalleeFrame renders the stub frame and identifies the table slot
// the stub jumps through.
func (machine *LinkMachine) showCalleeFrame() error {
	machine.driver.RenderFrame(0)

	entry, ok := machine.driver.SelectedFunction()
	if ok {
		machine.driver.Console(
			"The function %s has a corresponding entry in the %s section "+
				"at address %s.",
			entry.DisplayName,
			machine.profile.TableSection,
			entry.TableAddress)
	}

	machine.state = State{Kind: ShowingCalleeFrame}
	return nil
}

// approachDispatch announces the jump through the table slot right
// before the dispatch instruction executes.
func (machine *LinkMachine) approachDispatch() error {
	machine.driver.RenderFrame(0)

	entry, ok := machine.driver.SelectedFunction()
	if ok {
		machine.driver.Console(
			"We jump to the address indicated by the %s entry: 0x%x.",
			machine.profile.TableSection,
			entry.TableValue)
	}

	machine.state = State{Kind: SteppingThroughStub}
	return nil
}

// stepThroughStub executes the stub's dispatch instruction. Advancing
// by exactly the dispatch width means the jump fell through to the stub
// body: this is the first call, and the loader is about to be invoked.
// Any other landing point is an already patched slot.
func (machine *LinkMachine) stepThroughStub() error {
	previousPC, err := machine.driver.FramePC(0)
	if err != nil {
		return err
	}

	_, err = machine.driver.Step()
	if err != nil {
		return err
	}

	currentPC, err := machine.driver.FramePC(0)
	if err != nil {
		return err
	}

	machine.driver.RenderFrame(0)

	entry, selected := machine.driver.SelectedFunction()
	name := "the function"
	if selected {
		name = entry.DisplayName
	}

	if previousPC+VirtualAddress(machine.profile.DispatchWidth) == currentPC {
		machine.state = State{
			Kind:           InvokingLoader,
			StepsRemaining: machine.profile.LoaderStepBudget,
		}

		machine.driver.Console(
			"It is the first call to %s. Lazy binding takes place. "+
				"The jump returns into the %s section and the dynamic "+
				"loader will be called.",
			name,
			machine.profile.StubSection)
	} else {
		machine.state = State{Kind: CallResolved}

		if selected {
			machine.driver.Console(
				"It is not the first call to %s. The address stored in the "+
					"%s entry is 0x%x and is the actual routine address.",
				name,
				machine.profile.TableSection,
				entry.TableValue)
		}
		machine.driver.Console("In the actual routine for the function.")
	}

	return nil
}

// stepLoader narrates the fixed budget of single steps through the
// stub header and into the loader.
func (machine *LinkMachine) stepLoader() error {
	_, err := machine.driver.Step()
	if err != nil {
		return err
	}

	machine.driver.RenderFrame(0)

	k := machine.state.StepsRemaining
	if k == machine.profile.LoaderStepBudget {
		machine.driver.Console(
			"The program jumps to the beginning of the %s section. The "+
				"header instructions there invoke the dynamic loader.",
			machine.profile.StubSection)
	}
	if k == 1 {
		machine.driver.Console(
			"Dynamic loader invoked. It resolves the address of the " +
				"called function, patches the table slot, and transfers " +
				"control to the routine.")
	}

	k -= 1
	if k == 0 {
		machine.state = State{Kind: AwaitingReturn}
	} else {
		machine.state = State{Kind: InvokingLoader, StepsRemaining: k}
	}

	return nil
}

// returnToCaller resumes execution until control returns past the stub.
func (machine *LinkMachine) returnToCaller() error {
	event, err := machine.driver.Resume()
	if err != nil {
		return err
	}

	if event.Exited {
		machine.finish()
		return nil
	}

	machine.driver.RenderFrame(0)
	machine.driver.Console("Return to caller context.")

	machine.state = State{Kind: AwaitingFirstStop}
	return nil
}

func (machine *LinkMachine) finish() {
	machine.state = State{Kind: Finished}
	machine.driver.Console("Execution finished. Process exited normally.")
	machine.driver.SetContinueEnabled(false)
}
