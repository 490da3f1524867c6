package breakpoint

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/dyninspect/dyninspect/inspector/common"
)

type ChainSuite struct{}

func TestChain(t *testing.T) {
	suite.RunTests(t, &ChainSuite{})
}

func (ChainSuite) TestLoaderCallsChainReturnBreakpoints(t *testing.T) {
	ctx := HitContext{ReturnAddress: VirtualAddress(0x4010)}

	expected := map[Tag]Tag{
		LibraryOpenCall:   ReturnFromOpen,
		LibrarySymbolCall: ReturnFromSymbolLookup,
		LibraryCloseCall:  ReturnFromClose,
	}

	for callTag, returnTag := range expected {
		pending, err := Chain(callTag, ctx)
		expect.Nil(t, err)
		expect.Equal(t, 1, len(pending))
		expect.Equal(t, returnTag, pending[0].Tag)
		expect.Equal(t, VirtualAddress(0x4010), pending[0].Address)
	}
}

func (ChainSuite) TestSymbolLookupReturnChainsRoutine(t *testing.T) {
	pending, err := Chain(
		ReturnFromSymbolLookup,
		HitContext{ReturnRegisterHex: "0x7f0000001000"})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(pending))
	expect.Equal(t, DynamicCallTarget, pending[0].Tag)
	expect.Equal(t, VirtualAddress(0x7f0000001000), pending[0].Address)
}

func (ChainSuite) TestDynamicCallChainsReturn(t *testing.T) {
	pending, err := Chain(
		DynamicCallTarget,
		HitContext{ReturnAddress: VirtualAddress(0x4020)})
	expect.Nil(t, err)
	expect.Equal(t, 1, len(pending))
	expect.Equal(t, ReturnFromDynamicCall, pending[0].Tag)
	expect.Equal(t, VirtualAddress(0x4020), pending[0].Address)
}

func (ChainSuite) TestTerminalTagsChainNothing(t *testing.T) {
	terminal := []Tag{
		StubEntry,
		ReturnFromStub,
		ReturnFromOpen,
		ReturnFromClose,
		ReturnFromDynamicCall,
	}

	for _, tag := range terminal {
		pending, err := Chain(tag, HitContext{})
		expect.Nil(t, err)
		expect.Equal(t, 0, len(pending))
	}
}

func (ChainSuite) TestParseHexAddress(t *testing.T) {
	addr, err := ParseHexAddress("0x7f0000001000")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x7f0000001000), addr)

	addr, err = ParseHexAddress("deadbeef")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0xdeadbeef), addr)

	_, err = ParseHexAddress("")
	expect.Error(t, err, "empty hex address")

	_, err = ParseHexAddress("0x")
	expect.Error(t, err, "empty hex address")

	_, err = ParseHexAddress("not-hex")
	expect.Error(t, err, "malformed hex address")

	_, err = ParseHexAddress("0x0")
	expect.Error(t, err, "null address")
}
