// Package protocol implements the textual command scheme the ripple feedback
// extension reads from the acquisition device's comment channel.
//
// A command travels as "plugin;<opcode>;<value>" where opcode is one of the
// ten codes below and value is a plain decimal integer.
package protocol

import "strconv"

// Opcode identifies a control operation on the wire.
type Opcode int

// Opcode codes are shared with the extension firmware and must never change.
const (
	OpShowSettings        Opcode = 119
	OpChannelModeRef      Opcode = 120
	OpChannelModeControl  Opcode = 121
	OpChannelModeMask     Opcode = 122
	OpUpdateParams        Opcode = 123
	OpSetThresholdSD      Opcode = 124
	OpSetMaskChannel      Opcode = 125
	OpSetReferenceChannel Opcode = 126
	OpSetSignalChannel    Opcode = 127
	OpProcessEnable       Opcode = 128
)

var opcodeNames = map[Opcode]string{
	OpShowSettings:        "show_settings",
	OpChannelModeRef:      "chmode_ref",
	OpChannelModeControl:  "chmode_control",
	OpChannelModeMask:     "chmode_mask",
	OpUpdateParams:        "update_params",
	OpSetThresholdSD:      "set_thresh_sd",
	OpSetMaskChannel:      "set_mask_ch",
	OpSetReferenceChannel: "set_ref_ch",
	OpSetSignalChannel:    "set_sig_ch",
	OpProcessEnable:       "process_enable",
}

// Opcodes returns every defined opcode in ascending order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeNames))
	for op := OpShowSettings; op <= OpProcessEnable; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Valid reports whether op belongs to the closed opcode set.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "opcode(" + strconv.Itoa(int(op)) + ")"
}
