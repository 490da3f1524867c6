package breakpoint

import (
	"fmt"
	"strconv"
	"strings"

	. "github.com/dyninspect/dyninspect/inspector/common"
)

// HitContext carries the stop-time facts the chaining rules may need:
// the immediate caller's return address and the return-value register
// formatted as a hex string.
type HitContext struct {
	ReturnAddress VirtualAddress

	// Contents of the architecture's integer return register at the
	// stop, e.g. "0x7f1234560000". Only consulted on return-from-lookup
	// hits.
	ReturnRegisterHex string
}

// Pending describes a breakpoint a chaining rule wants installed.
type Pending struct {
	Address VirtualAddress
	Tag     Tag
}

// Chain is the pure dispatch rule set: given the tag of the breakpoint
// just hit, it decides which breakpoints to synthesize next.
//
//   - A library open/symbol/close call installs its return-from
//     counterpart at the caller's return address.
//   - Returning from a symbol lookup parses the resolved routine
//     address out of the return register and installs a breakpoint on
//     the routine itself.
//   - Reaching the dynamically resolved routine installs a breakpoint
//     at its caller's return address.
//
// All other tags chain nothing.
func Chain(tag Tag, ctx HitContext) ([]Pending, error) {
	switch tag {
	case LibraryOpenCall:
		return []Pending{{Address: ctx.ReturnAddress, Tag: ReturnFromOpen}}, nil

	case LibrarySymbolCall:
		return []Pending{
			{Address: ctx.ReturnAddress, Tag: ReturnFromSymbolLookup},
		}, nil

	case LibraryCloseCall:
		return []Pending{{Address: ctx.ReturnAddress, Tag: ReturnFromClose}}, nil

	case ReturnFromSymbolLookup:
		routine, err := ParseHexAddress(ctx.ReturnRegisterHex)
		if err != nil {
			return nil, fmt.Errorf(
				"cannot locate resolved routine: %w",
				err)
		}
		return []Pending{{Address: routine, Tag: DynamicCallTarget}}, nil

	case DynamicCallTarget:
		return []Pending{
			{Address: ctx.ReturnAddress, Tag: ReturnFromDynamicCall},
		}, nil

	default:
		return nil, nil
	}
}

// ParseHexAddress parses a well-formed hex address, with or without the
// 0x prefix. A zero address is rejected: the loader returns null when
// resolution fails.
func ParseHexAddress(text string) (VirtualAddress, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty hex address", ErrInvalidArgument)
	}

	value, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed hex address %q", ErrInvalidArgument, text)
	}

	if value == 0 {
		return 0, fmt.Errorf("%w: null address", ErrInvalidArgument)
	}

	return VirtualAddress(value), nil
}
