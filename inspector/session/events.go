package session

// Mode selects which state-machine variant drives the session.
type Mode string

const (
	LinkInspection = Mode("link inspection")
	LoadInspection = Mode("load inspection")
)

type TableRow struct {
	Name    string
	Address string
	Value   string
}

type SectionRow struct {
	Start   string
	End     string
	Name    string
	Current string
}

type ModuleRow struct {
	Start  string
	End    string
	Size   string
	Name   string
	Origin string
}

// EventSink receives the presentation events emitted by the session.
// Implementations must not call back into the session from within an
// event handler; events are delivered from the engine's own execution
// context.
type EventSink interface {
	ClearDisplay()
	AddSelectableFunction(name string)
	RenderFrame(text string, highlightedLine int)
	ConsoleMessage(text string)
	SetContinueEnabled(enabled bool)
	TableUpdated(rows []TableRow)
	SectionsUpdated(rows []SectionRow)
	ModulesUpdated(rows []ModuleRow)
}
