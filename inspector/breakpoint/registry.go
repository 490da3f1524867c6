// Package breakpoint owns the live breakpoints of one inspection
// session as tagged records, resolves stop addresses back to records,
// and applies the chaining rules that synthesize return-from
// breakpoints as execution unfolds.
package breakpoint

import (
	"fmt"
	"sort"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type Tag string

const (
	StubEntry              = Tag("stub entry")
	ReturnFromStub         = Tag("return from stub")
	LibraryOpenCall        = Tag("library open call")
	LibrarySymbolCall      = Tag("library symbol call")
	LibraryCloseCall       = Tag("library close call")
	ReturnFromOpen         = Tag("return from open")
	ReturnFromClose        = Tag("return from close")
	ReturnFromSymbolLookup = Tag("return from symbol lookup")
	DynamicCallTarget      = Tag("dynamic call target")
	ReturnFromDynamicCall  = Tag("return from dynamic call")
)

// Record is one live breakpoint. Name is non-empty only for
// user-selectable function breakpoints.
type Record struct {
	Name    string
	Address VirtualAddress
	Tag     Tag

	site backend.Breakpoint
}

func (record *Record) IsEnabled() bool {
	return record.site.IsEnabled()
}

type recordKey struct {
	address VirtualAddress
	tag     Tag
}

// Registry exclusively owns all breakpoint records for the lifetime of
// one debug session. Records are invalidated en masse by Clear.
type Registry struct {
	target backend.Target

	records map[recordKey]*Record
	byName  map[string]*Record

	// The single user-selected function breakpoint currently enabled.
	selected *Record
}

func NewRegistry(target backend.Target) *Registry {
	return &Registry{
		target:  target,
		records: map[recordKey]*Record{},
		byName:  map[string]*Record{},
	}
}

// Install registers an enabled breakpoint at address. Installing at an
// address that already carries a record with the same tag reuses the
// existing record, so repeated calls through the same call site never
// accumulate duplicates.
func (registry *Registry) Install(
	address VirtualAddress,
	tag Tag,
) (
	*Record,
	error,
) {
	key := recordKey{address: address, tag: tag}
	record, ok := registry.records[key]
	if ok {
		return record, nil
	}

	site, err := registry.target.CreateBreakpoint(address)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to install %s breakpoint at %s: %w",
			tag,
			address,
			err)
	}

	err = site.SetEnabled(true)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to enable %s breakpoint at %s: %w",
			tag,
			address,
			err)
	}

	record = &Record{
		Address: address,
		Tag:     tag,
		site:    site,
	}
	registry.records[key] = record
	return record, nil
}

// InstallFunction registers a disabled stub-entry breakpoint selectable
// by function name.
func (registry *Registry) InstallFunction(
	name string,
	address VirtualAddress,
) (
	*Record,
	error,
) {
	key := recordKey{address: address, tag: StubEntry}
	record, ok := registry.records[key]
	if ok {
		return record, nil
	}

	site, err := registry.target.CreateBreakpoint(address)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to install breakpoint for %s at %s: %w",
			name,
			address,
			err)
	}

	record = &Record{
		Name:    name,
		Address: address,
		Tag:     StubEntry,
		site:    site,
	}
	registry.records[key] = record
	registry.byName[name] = record
	return record, nil
}

// Enable turns the named function breakpoint on or off. At most one
// function breakpoint is enabled at a time: enabling a new one first
// disables the previous selection.
func (registry *Registry) Enable(name string, enabled bool) error {
	record, ok := registry.byName[name]
	if !ok {
		return fmt.Errorf(
			"%w: no breakpoint for function %s",
			ErrInvalidArgument,
			name)
	}

	if !enabled {
		if registry.selected == record {
			registry.selected = nil
		}
		return record.site.SetEnabled(false)
	}

	if registry.selected != nil && registry.selected != record {
		err := registry.selected.site.SetEnabled(false)
		if err != nil {
			return fmt.Errorf(
				"failed to disable previous selection %s: %w",
				registry.selected.Name,
				err)
		}
	}

	err := record.site.SetEnabled(true)
	if err != nil {
		return fmt.Errorf("failed to enable breakpoint %s: %w", name, err)
	}

	registry.selected = record
	return nil
}

// Selected returns the currently enabled function breakpoint, if any.
func (registry *Registry) Selected() *Record {
	return registry.selected
}

// Resolve returns the enabled record installed at the current program
// counter, or nil when the stop was not caused by a registry
// breakpoint.
func (registry *Registry) Resolve(pc VirtualAddress) *Record {
	for _, record := range registry.records {
		if record.Address == pc && record.site.IsEnabled() {
			return record
		}
	}
	return nil
}

// Dispatch resolves the record at pc and applies the chaining rules
// before the state machine consumes the tag, since chaining may
// synthesize the very breakpoint the machine needs to see hit next.
// Returns the matched record and any newly installed records.
func (registry *Registry) Dispatch(
	pc VirtualAddress,
	ctx HitContext,
) (
	*Record,
	[]*Record,
	error,
) {
	record := registry.Resolve(pc)
	if record == nil {
		return nil, nil, nil
	}

	pending, err := Chain(record.Tag, ctx)
	if err != nil {
		return record, nil, err
	}

	installed := make([]*Record, 0, len(pending))
	for _, next := range pending {
		chained, err := registry.Install(next.Address, next.Tag)
		if err != nil {
			return record, installed, err
		}
		installed = append(installed, chained)
	}

	return record, installed, nil
}

// List returns all records sorted by address for display purposes.
func (registry *Registry) List() []*Record {
	result := make([]*Record, 0, len(registry.records))
	for _, record := range registry.records {
		result = append(result, record)
	}

	sort.Slice(
		result,
		func(i int, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// Clear invalidates every record and deletes the backing breakpoints.
func (registry *Registry) Clear() error {
	registry.records = map[recordKey]*Record{}
	registry.byName = map[string]*Record{}
	registry.selected = nil
	return registry.target.DeleteAllBreakpoints()
}
