package protocol

// Resolver looks up the device index of a channel label.
type Resolver interface {
	Resolve(label string) (int, bool)
}

// Encoder turns operator actions into commands. It holds no state of its own
// besides the resolver, which is consulted on every channel operation so a
// rebuilt directory is picked up immediately.
type Encoder struct {
	dir Resolver
}

// NewEncoder creates an encoder resolving labels through dir.
func NewEncoder(dir Resolver) *Encoder {
	return &Encoder{dir: dir}
}

func (e *Encoder) ProcessEnable(on bool) Command {
	return Command{Opcode: OpProcessEnable, Value: boolValue(on)}
}

func (e *Encoder) SetSignalChannel(label string) Command {
	return e.channel(OpSetSignalChannel, label)
}

func (e *Encoder) SetReferenceChannel(label string) Command {
	return e.channel(OpSetReferenceChannel, label)
}

func (e *Encoder) SetMaskChannel(label string) Command {
	return e.channel(OpSetMaskChannel, label)
}

func (e *Encoder) SetThresholdSD(sd float64) Command {
	return Command{Opcode: OpSetThresholdSD, Value: int64(PackThreshold(sd))}
}

// UpdateParams asks the extension to latch its current mean/sd estimates.
func (e *Encoder) UpdateParams() Command {
	return Command{Opcode: OpUpdateParams, Value: 1}
}

func (e *Encoder) ChannelModeMask(on bool) Command {
	return Command{Opcode: OpChannelModeMask, Value: boolValue(on)}
}

func (e *Encoder) ChannelModeControl(on bool) Command {
	return Command{Opcode: OpChannelModeControl, Value: boolValue(on)}
}

func (e *Encoder) ChannelModeRef(on bool) Command {
	return Command{Opcode: OpChannelModeRef, Value: boolValue(on)}
}

// ShowSettings asks the extension to dump its settings to its console.
func (e *Encoder) ShowSettings() Command {
	return Command{Opcode: OpShowSettings, Value: 1}
}

func (e *Encoder) channel(op Opcode, label string) Command {
	if e.dir == nil {
		return NoOp
	}
	ch, ok := e.dir.Resolve(label)
	if !ok {
		return NoOp
	}
	return Command{Opcode: op, Value: int64(ch)}
}

func boolValue(on bool) int64 {
	if on {
		return 1
	}
	return 0
}
