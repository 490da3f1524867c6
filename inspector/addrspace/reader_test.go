package addrspace

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/dyninspect/dyninspect/inspector/backend"
	"github.com/dyninspect/dyninspect/inspector/backendtest"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type ReaderSuite struct{}

func TestReader(t *testing.T) {
	suite.RunTests(t, &ReaderSuite{})
}

func newImageTarget(t *testing.T) (*backendtest.Image, backend.Target) {
	be := backendtest.New()
	image := be.AddImage("/bin/demo")

	image.Modules = []backend.Module{
		{
			Name:  "/bin/demo",
			Start: VirtualAddress(0x400000),
			End:   VirtualAddress(0x404000),
		},
		{
			Name:  "/lib/libc.so.6",
			Start: VirtualAddress(0x7f0000000000),
			End:   VirtualAddress(0x7f0000200000),
		},
	}

	image.Sections = []backend.Section{
		{
			Name:        ".plt",
			Module:      "/bin/demo",
			LoadAddress: VirtualAddress(0x401000),
			FileOffset:  0x1000,
			Size:        0x40,
		},
		{
			Name:        ".text",
			Module:      "/bin/demo",
			LoadAddress: VirtualAddress(0x401040),
			FileOffset:  0x1040,
			Size:        0x2000,
		},
		{
			Name:        ".got.plt",
			Module:      "/bin/demo",
			LoadAddress: VirtualAddress(0x403000),
			FileOffset:  0x3000,
			Size:        0x40,
		},
	}

	target, err := be.CreateTarget("/bin/demo")
	expect.Nil(t, err)
	return image, target
}

func (ReaderSuite) TestClassifiesDynamicModules(t *testing.T) {
	image, target := newImageTarget(t)
	reader := NewReader(target)

	modules := reader.ListModules()
	expect.Equal(t, 2, len(modules))
	expect.Equal(t, Static, modules[0].Origin)
	expect.Equal(t, Static, modules[1].Origin)

	// A library loaded after the snapshot is dynamic.
	image.Modules = append(
		image.Modules,
		backend.Module{
			Name:  "/lib/libdyn.so",
			Start: VirtualAddress(0x7f0000400000),
			End:   VirtualAddress(0x7f0000410000),
		})

	modules = reader.ListModules()
	expect.Equal(t, 3, len(modules))
	expect.Equal(t, "/lib/libdyn.so", modules[2].Name)
	expect.Equal(t, Dynamic, modules[2].Origin)
	expect.Equal(t, uint64(0x10000), modules[2].Size)
}

func (ReaderSuite) TestSnapshotResetsBaseline(t *testing.T) {
	image, target := newImageTarget(t)
	reader := NewReader(target)

	image.Modules = append(
		image.Modules,
		backend.Module{
			Name:  "/lib/libdyn.so",
			Start: VirtualAddress(0x7f0000400000),
			End:   VirtualAddress(0x7f0000410000),
		})

	reader.Snapshot()

	modules := reader.ListModules()
	expect.Equal(t, 3, len(modules))
	expect.Equal(t, Static, modules[2].Origin)
}

func (ReaderSuite) TestSkipsUnmappedModules(t *testing.T) {
	image, target := newImageTarget(t)
	reader := NewReader(target)

	image.Modules = append(
		image.Modules,
		backend.Module{
			Name:  "/lib/pending.so",
			Start: UnmappedAddress,
		})

	modules := reader.ListModules()
	expect.Equal(t, 2, len(modules))
}

func (ReaderSuite) TestModuleRangeFromSections(t *testing.T) {
	image, target := newImageTarget(t)
	reader := NewReader(target)

	// A module reported without an end address derives its range from
	// its mapped sections.
	image.Modules[0].End = 0

	modules := reader.ListModules()
	expect.Equal(t, 2, len(modules))
	expect.Equal(t, VirtualAddress(0x400000), modules[0].Start)
	expect.Equal(t, VirtualAddress(0x403040), modules[0].End)
}

func (ReaderSuite) TestSectionLayout(t *testing.T) {
	_, target := newImageTarget(t)
	reader := NewReader(target)

	watched := []string{".plt", ".text", ".got", ".got.plt", ".data"}
	pc := VirtualAddress(0x401010)

	sections := reader.SectionLayout(watched, pc)
	expect.Equal(t, 3, len(sections))

	expect.Equal(t, ".plt", sections[0].Name)
	expect.True(t, sections[0].ContainsPC)

	expect.Equal(t, ".text", sections[1].Name)
	expect.False(t, sections[1].ContainsPC)

	expect.Equal(t, ".got.plt", sections[2].Name)
	expect.False(t, sections[2].ContainsPC)
}

func (ReaderSuite) TestSectionLayoutIgnoresUnwatched(t *testing.T) {
	_, target := newImageTarget(t)
	reader := NewReader(target)

	sections := reader.SectionLayout([]string{".data"}, 0)
	expect.Equal(t, 0, len(sections))
}

func (ReaderSuite) TestNoTarget(t *testing.T) {
	reader := NewReader(nil)

	expect.Equal(t, 0, len(reader.ListModules()))
	expect.Equal(t, 0, len(reader.SectionLayout([]string{".plt"}, 0)))
}
