// Package addrspace reads module and section layout from the debugger
// backend and classifies loaded modules as statically or dynamically
// present, relative to a snapshot taken at process launch.
package addrspace

import (
	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type Origin string

const (
	Static  = Origin("static")
	Dynamic = Origin("dynamic")
)

type ModuleInfo struct {
	Name   string
	Start  VirtualAddress
	End    VirtualAddress
	Size   uint64
	Origin Origin
}

type SectionInfo struct {
	Name       string
	Module     string
	Start      VirtualAddress
	End        VirtualAddress
	ContainsPC bool
}

type Reader struct {
	target backend.Target

	// Module names present when the snapshot was taken. Modules that
	// appear later were brought in by dynamic loading.
	baseline map[string]struct{}
}

func NewReader(target backend.Target) *Reader {
	reader := &Reader{
		target: target,
	}
	reader.Snapshot()
	return reader
}

// Snapshot records the currently loaded modules as the static baseline.
// Call at process launch, before any dynamic loading can have happened.
func (reader *Reader) Snapshot() {
	reader.baseline = map[string]struct{}{}
	if reader.target == nil {
		return
	}

	modules, err := reader.target.Modules()
	if err != nil {
		return
	}

	for _, module := range modules {
		reader.baseline[module.Name] = struct{}{}
	}
}

// ListModules returns the loaded modules with their origin
// classification. Modules without a load address are skipped. Returns
// an empty sequence when no target is attached.
func (reader *Reader) ListModules() []ModuleInfo {
	if reader.target == nil {
		return nil
	}

	modules, err := reader.target.Modules()
	if err != nil {
		return nil
	}

	result := make([]ModuleInfo, 0, len(modules))
	for _, module := range modules {
		if module.Start == UnmappedAddress {
			continue
		}

		start := module.Start
		end := module.End
		if end == 0 {
			start, end = reader.moduleRange(module.Name)
			if end == 0 {
				continue
			}
		}

		origin := Dynamic
		_, ok := reader.baseline[module.Name]
		if ok {
			origin = Static
		}

		result = append(
			result,
			ModuleInfo{
				Name:   module.Name,
				Start:  start,
				End:    end,
				Size:   uint64(end - start),
				Origin: origin,
			})
	}

	return result
}

// moduleRange derives a module's address range from its mapped
// sections: start is load address minus file offset of the first mapped
// section, end is the highest load address plus size.
func (reader *Reader) moduleRange(
	moduleName string,
) (
	VirtualAddress,
	VirtualAddress,
) {
	sections, err := reader.target.Sections()
	if err != nil {
		return 0, 0
	}

	var start VirtualAddress
	var end VirtualAddress
	first := true
	for _, section := range sections {
		if section.Module != moduleName ||
			section.LoadAddress == UnmappedAddress {

			continue
		}

		if first {
			start = section.LoadAddress - VirtualAddress(section.FileOffset)
			first = false
		}

		sectionEnd := section.LoadAddress + VirtualAddress(section.Size)
		if sectionEnd > end {
			end = sectionEnd
		}
	}

	return start, end
}

// SectionLayout returns the mapped sections whose names appear in
// names, flagging the section containing pc. Returns an empty sequence
// when no target is attached.
func (reader *Reader) SectionLayout(
	names []string,
	pc VirtualAddress,
) []SectionInfo {
	if reader.target == nil {
		return nil
	}

	sections, err := reader.target.Sections()
	if err != nil {
		return nil
	}

	watched := map[string]struct{}{}
	for _, name := range names {
		watched[name] = struct{}{}
	}

	result := []SectionInfo{}
	for _, section := range sections {
		_, ok := watched[section.Name]
		if !ok || section.LoadAddress == UnmappedAddress {
			continue
		}

		sectionRange := AddressRange{
			Low:  section.LoadAddress,
			High: section.LoadAddress + VirtualAddress(section.Size),
		}

		result = append(
			result,
			SectionInfo{
				Name:       section.Name,
				Module:     section.Module,
				Start:      sectionRange.Low,
				End:        sectionRange.High,
				ContainsPC: sectionRange.Contains(pc),
			})
	}

	return result
}
