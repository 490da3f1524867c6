package ptraceback

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type mapping struct {
	start VirtualAddress
	end   VirtualAddress
	path  string
}

// listMappings parses /proc/<pid>/maps into file-backed mappings.
// Anonymous regions and pseudo paths ([heap], [stack], ...) are
// skipped.
func listMappings(pid int) ([]mapping, error) {
	contentBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read memory mappings for process %d: %w",
			pid,
			err)
	}

	result := []mapping{}
	for _, line := range strings.Split(string(contentBytes), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		path := fields[5]
		if strings.HasPrefix(path, "[") {
			continue
		}

		rangeChunks := strings.SplitN(fields[0], "-", 2)
		if len(rangeChunks) != 2 {
			continue
		}

		start, err := strconv.ParseUint(rangeChunks[0], 16, 64)
		if err != nil {
			continue
		}

		end, err := strconv.ParseUint(rangeChunks[1], 16, 64)
		if err != nil {
			continue
		}

		result = append(
			result,
			mapping{
				start: VirtualAddress(start),
				end:   VirtualAddress(end),
				path:  path,
			})
	}

	return result, nil
}

// listModules folds the per-segment mappings of each file into one
// module covering the file's full mapped range.
func listModules(pid int) ([]backend.Module, error) {
	mappings, err := listMappings(pid)
	if err != nil {
		return nil, err
	}

	byPath := map[string]*backend.Module{}
	order := []string{}
	for _, m := range mappings {
		module, ok := byPath[m.path]
		if !ok {
			module = &backend.Module{
				Name:  m.path,
				Start: m.start,
				End:   m.end,
			}
			byPath[m.path] = module
			order = append(order, m.path)
			continue
		}

		if m.start < module.Start {
			module.Start = m.start
		}
		if m.end > module.End {
			module.End = m.end
		}
	}

	result := make([]backend.Module, 0, len(order))
	for _, path := range order {
		module := *byPath[path]
		module.Size = uint64(module.End - module.Start)
		result = append(result, module)
	}

	sort.Slice(
		result,
		func(i int, j int) bool { return result[i].Start < result[j].Start })
	return result, nil
}

// moduleBase returns the lowest mapped address of the named file.
func moduleBase(pid int, path string) (VirtualAddress, error) {
	mappings, err := listMappings(pid)
	if err != nil {
		return 0, err
	}

	base := UnmappedAddress
	for _, m := range mappings {
		if m.path == path && m.start < base {
			base = m.start
		}
	}

	if base == UnmappedAddress {
		return 0, fmt.Errorf(
			"module %s is not mapped in process %d",
			path,
			pid)
	}

	return base, nil
}
