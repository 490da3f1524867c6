package session

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/dyninspect/dyninspect/inspector/backend"
)

// formatFrame renders a frame's instructions as display text with the
// currently executing line marked. For caller frames (depth > 0) the
// program counter is a return address, so the preceding instruction is
// the one highlighted.
func formatFrame(frame backend.Frame, depth int) (string, int) {
	highlighted := -1
	lines := make([]string, 0, len(frame.Instructions))
	for idx, inst := range frame.Instructions {
		offset := uint64(inst.Address) - uint64(frame.SymbolStart)
		line := fmt.Sprintf(
			"0x%07x <%s + %d> %s",
			uint64(inst.Address),
			frame.Symbol,
			offset,
			x86asm.GNUSyntax(inst.Inst, uint64(inst.Address), nil))

		if inst.Address == frame.PC {
			highlighted = idx
			if depth > 0 && idx > 0 {
				highlighted = idx - 1
			}
		}

		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return fmt.Sprintf(
			"--> 0x%07x <%s>\n",
			uint64(frame.PC),
			frame.Symbol), 0
	}

	var builder strings.Builder
	for idx, line := range lines {
		if idx == highlighted {
			builder.WriteString("-->\t")
		} else {
			builder.WriteString("\t")
		}
		builder.WriteString(line)
		builder.WriteString("\n")
	}

	return builder.String(), highlighted
}
