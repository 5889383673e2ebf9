package isp

import "fmt"

// Layout describes how the address and data arguments are placed in the
// three bytes following the opcode.
type Layout int

const (
	/* [op, fixed0, fixed1, fixed2] */
	LayoutFixed Layout = iota
	/* [op, 0, index, data] */
	LayoutIndexData
	/* [op, addrMSB, addrLSB, 0] */
	LayoutAddress
)

// Instruction is one entry of the serial programming instruction set.
type Instruction struct {
	Name   string
	Opcode byte
	Layout Layout
	Fixed  [3]byte
}

var (
	ProgrammingEnable = Instruction{Name: "programming enable", Opcode: 0xAC, Layout: LayoutFixed, Fixed: [3]byte{0x53, 0, 0}}
	ChipErase         = Instruction{Name: "chip erase", Opcode: 0xAC, Layout: LayoutFixed, Fixed: [3]byte{0x80, 0, 0}}
	PollReady         = Instruction{Name: "poll ready", Opcode: 0xF0, Layout: LayoutFixed}
	LoadLow           = Instruction{Name: "load low byte", Opcode: 0x40, Layout: LayoutIndexData}
	LoadHigh          = Instruction{Name: "load high byte", Opcode: 0x48, Layout: LayoutIndexData}
	WritePage         = Instruction{Name: "write page", Opcode: 0x4C, Layout: LayoutAddress}
	ReadLow           = Instruction{Name: "read low byte", Opcode: 0x20, Layout: LayoutAddress}
	ReadHigh          = Instruction{Name: "read high byte", Opcode: 0x28, Layout: LayoutAddress}
	ReadSignature     = Instruction{Name: "read signature", Opcode: 0x30, Layout: LayoutIndexData}
)

// Frame encodes the instruction. Arguments the layout has no room for are
// ignored.
func (i Instruction) Frame(addr uint16, data byte) [4]byte {
	switch i.Layout {
	case LayoutIndexData:
		return [4]byte{i.Opcode, 0, byte(addr), data}
	case LayoutAddress:
		return [4]byte{i.Opcode, byte(addr >> 8), byte(addr), 0}
	}
	return [4]byte{i.Opcode, i.Fixed[0], i.Fixed[1], i.Fixed[2]}
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s (%02x)", i.Name, i.Opcode)
}

const (
	/* Response byte 2 echoes byte 1 of programming enable when in sync */
	syncEcho = 0x53

	/* Low 6 bits of the word address select the page buffer location */
	loadIndexMask = 0x3f

	/* Erased flash, no need to load */
	erasedByte = 0xff

	/* Read low/high pairs per exchange */
	maxWordsPerRead = 31
)
