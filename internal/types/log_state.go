package types

// LogState is the base state of a log block.
type LogState uint8

const (
	LogFree LogState = iota
	LogAlloc
	LogSeq
	LogRandom
	// LogGarbage is terminal until the block is back on the free list.
	LogGarbage
)

// String returns the state name
func (s LogState) String() string {
	switch s {
	case LogFree:
		return "FREE"
	case LogAlloc:
		return "ALLOC"
	case LogSeq:
		return "SEQ"
	case LogRandom:
		return "RANDOM"
	case LogGarbage:
		return "GARBAGE"
	}
	return "INVALID"
}

const (
	logStateMask      = 0x0F
	logActiveBit      = 0x10
	logMLCFastModeBit = 0x20
)

// LogStatus is the full log state: base state plus the orthogonal active and
// MLC fast-mode bits. It is packed into one byte only at the persistence boundary.
type LogStatus struct {
	Base        LogState
	Active      bool
	MLCFastMode bool
}

// Pack encodes the status as 4-bit state, active bit and fast-mode bit
func (s LogStatus) Pack() uint8 {
	v := uint8(s.Base) & logStateMask
	if s.Active {
		v |= logActiveBit
	}
	if s.MLCFastMode {
		v |= logMLCFastModeBit
	}
	return v
}

// UnpackLogStatus decodes a byte produced by Pack
func UnpackLogStatus(v uint8) LogStatus {
	return LogStatus{
		Base:        LogState(v & logStateMask),
		Active:      v&logActiveBit != 0,
		MLCFastMode: v&logMLCFastModeBit != 0,
	}
}
