package session

import (
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"golang.org/x/arch/x86/x86asm"

	"github.com/dyninspect/dyninspect/inspector/backend"
	. "github.com/dyninspect/dyninspect/inspector/common"
)

type RenderSuite struct{}

func TestRender(t *testing.T) {
	suite.RunTests(t, &RenderSuite{})
}

func decodeAt(
	t *testing.T,
	addr VirtualAddress,
	data []byte,
) backend.DisassembledInstruction {
	inst, err := x86asm.Decode(data, 64)
	expect.Nil(t, err)
	return backend.DisassembledInstruction{Address: addr, Inst: inst}
}

func (RenderSuite) TestHighlightsExecutingLine(t *testing.T) {
	frame := backend.Frame{
		PC:          VirtualAddress(0x1011),
		Symbol:      "main",
		SymbolStart: VirtualAddress(0x1010),
		Instructions: []backend.DisassembledInstruction{
			decodeAt(t, VirtualAddress(0x1010), []byte{0x55}),             // push
			decodeAt(t, VirtualAddress(0x1011), []byte{0x48, 0x89, 0xe5}), // mov
			decodeAt(t, VirtualAddress(0x1014), []byte{0xc3}),             // ret
		},
	}

	text, highlighted := formatFrame(frame, 0)
	expect.Equal(t, 1, highlighted)

	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	expect.Equal(t, 3, len(lines))
	expect.False(t, strings.HasPrefix(lines[0], "-->"))
	expect.True(t, strings.HasPrefix(lines[1], "-->"))
	expect.True(t, strings.Contains(lines[1], "<main + 1>"))
}

func (RenderSuite) TestCallerFrameHighlightsCallSite(t *testing.T) {
	frame := backend.Frame{
		PC:          VirtualAddress(0x1011),
		Symbol:      "main",
		SymbolStart: VirtualAddress(0x1010),
		Instructions: []backend.DisassembledInstruction{
			decodeAt(t, VirtualAddress(0x1010), []byte{0x55}),
			decodeAt(t, VirtualAddress(0x1011), []byte{0xc3}),
		},
	}

	// For a caller frame the pc is a return address; the preceding
	// instruction is the call being narrated.
	_, highlighted := formatFrame(frame, 1)
	expect.Equal(t, 0, highlighted)
}

func (RenderSuite) TestEmptyFrameFallsBack(t *testing.T) {
	frame := backend.Frame{
		PC:     VirtualAddress(0x7f0000001000),
		Symbol: "dlsym",
	}

	text, highlighted := formatFrame(frame, 0)
	expect.Equal(t, 0, highlighted)
	expect.True(t, strings.Contains(text, "dlsym"))
	expect.True(t, strings.HasPrefix(text, "--> "))
}
