// Package loggroup holds the page mapping table of one data group: its log blocks,
// kept in an array-indexed doubly linked list, and the page map from in-group page
// offsets to log pages.
package loggroup

import (
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// NoLog is the null index of the log list
const NoLog = -1

// Log is one append-only log block of a group
type Log struct {
	VBN      types.VBN
	Clean    int
	EC       uint32
	Valid    []uint16
	Status   types.LogStatus
	SeqBlock int

	Prev, Next int
	InUse      bool
}

// ValidPages returns the number of live pages across every way
func (l *Log) ValidPages() int {
	n := 0
	for _, v := range l.Valid {
		n += int(v)
	}
	return n
}

// IsActive reports whether the log is open for writes
func (l *Log) IsActive() bool {
	return l.Status.Active
}

func (l *Log) reset(ways int) {
	*l = Log{
		VBN:      types.NullVBN,
		Valid:    make([]uint16, ways),
		SeqBlock: -1,
		Prev:     NoLog,
		Next:     NoLog,
	}
}

// changeState applies the ALLOC -> SEQ/RANDOM transitions for a page of block blk
// with page-in-block pib written at log page page
func (l *Log) changeState(blk, pib, page int) {
	switch l.Status.Base {
	case types.LogAlloc:
		if page == 0 && pib == 0 {
			l.Status.Base = types.LogSeq
			l.SeqBlock = blk
			return
		}
		l.Status.Base = types.LogRandom
	case types.LogSeq:
		if blk != l.SeqBlock || pib != page {
			l.Status.Base = types.LogRandom
			l.SeqBlock = -1
		}
	}
}
