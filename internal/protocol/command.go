package protocol

import (
	"strconv"
	"strings"
)

const (
	// Prefix tags every command addressed to the extension.
	Prefix = "plugin"
	// Delimiter separates prefix, opcode and value.
	Delimiter = ";"

	noOpText = "dummy_comment"
)

// receiverDelimiters is the token set the extension splits comments on.
const receiverDelimiters = " .,;:!-"

// Command is one encoded control instruction.
type Command struct {
	Opcode Opcode
	Value  int64
}

// NoOp is returned when a command cannot be built, e.g. for an unknown
// channel label. Transports drop it instead of sending it.
var NoOp = Command{}

// IsNoOp reports whether c is the no-op sentinel.
func (c Command) IsNoOp() bool {
	return c == NoOp
}

// String renders the wire form "plugin;<opcode>;<value>".
func (c Command) String() string {
	if c.IsNoOp() {
		return noOpText
	}
	return strings.Join([]string{
		Prefix,
		strconv.Itoa(int(c.Opcode)),
		strconv.FormatInt(c.Value, 10),
	}, Delimiter)
}

// Parse reads a comment the way the extension does: split on any of
// " .,;:!-", expect the prefix, then an opcode and a value. ok is false for
// anything that is not a well-formed command with a known opcode.
func Parse(text string) (cmd Command, ok bool) {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(receiverDelimiters, r)
	})
	if len(tokens) < 3 || tokens[0] != Prefix {
		return NoOp, false
	}

	op, err := strconv.Atoi(tokens[1])
	if err != nil || !Opcode(op).Valid() {
		return NoOp, false
	}
	val, err := strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		return NoOp, false
	}

	return Command{Opcode: Opcode(op), Value: val}, true
}
