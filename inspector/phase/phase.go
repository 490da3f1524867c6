// Package phase turns raw process stop events into a pedagogically
// ordered sequence of narration steps. Two machine variants share the
// same driver surface: the link machine narrates lazy binding through
// the stub section, the load machine narrates explicit library
// load/resolve/unload driven purely by breakpoint tags.
package phase

import (
	"fmt"

	"github.com/dyninspect/dyninspect/inspector/backend"
	"github.com/dyninspect/dyninspect/inspector/breakpoint"
	. "github.com/dyninspect/dyninspect/inspector/common"
	"github.com/dyninspect/dyninspect/inspector/pltscan"
)

type StateKind string

const (
	Idle                = StateKind("idle")
	AwaitingFirstStop   = StateKind("awaiting first stop")
	ShowingCallerFrame  = StateKind("showing caller frame")
	ShowingCalleeFrame  = StateKind("showing callee frame")
	SteppingThroughStub = StateKind("stepping through stub")
	InvokingLoader      = StateKind("invoking loader")
	AwaitingReturn      = StateKind("awaiting return")
	CallResolved        = StateKind("call resolved")
	Finished            = StateKind("finished")

	// Load-inspection rest states.
	ShowingPreviousFrame = StateKind("showing previous frame")
	ShowingCurrentFrame  = StateKind("showing current frame")
)

// State is the machine's current position. StepsRemaining is
// meaningful only while Kind is InvokingLoader.
type State struct {
	Kind           StateKind
	StepsRemaining int
}

func (state State) String() string {
	if state.Kind == InvokingLoader {
		return fmt.Sprintf("%s (%d steps left)", state.Kind, state.StepsRemaining)
	}
	return string(state.Kind)
}

// Driver is the machine's view of the session: synchronous process
// control, frame rendering, and console narration. All calls happen
// from the engine's own execution context.
type Driver interface {
	// Running reports whether a live process is attached and stopped.
	Running() bool

	Resume() (backend.StopEvent, error)
	Step() (backend.StopEvent, error)

	// FramePC returns the program counter of the frame at depth.
	FramePC(depth int) (VirtualAddress, error)

	// RenderFrame redraws the display for the frame at depth.
	RenderFrame(depth int)

	Console(format string, args ...interface{})
	SetContinueEnabled(enabled bool)

	// SelectedFunction returns the table entry of the user-selected
	// stub breakpoint, if one is selected.
	SelectedFunction() (*pltscan.TableEntry, bool)

	// StoppedOnSelection reports whether the current stop sits on the
	// selected stub breakpoint.
	StoppedOnSelection() bool

	// DispatchStop resolves the current stop to a breakpoint record,
	// applying the chaining rules first. Nil when the stop was not
	// caused by a registry breakpoint.
	DispatchStop() (*breakpoint.Record, error)
}
