package bmt

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/parsers/meta"
	"github.com/deploymenttheory/go-nandftl/internal/types"
)

const flagGarbage = 0x01

// RecordSize returns the encoded length of a table with the given number of slots
func RecordSize(slots int) int {
	return 4 + 4 + slots*9
}

// MarshalBinary encodes the table as a meta record body
func (t *Table) MarshalBinary() ([]byte, error) {
	enc := meta.NewEncoder(RecordSize(len(t.Entries)))
	enc.U32(uint32(t.Area))
	enc.U32(uint32(len(t.Entries)))
	for _, e := range t.Entries {
		enc.U32(uint32(e.VBN))
		enc.U32(e.EC)
		var flags uint8
		if e.Garbage {
			flags |= flagGarbage
		}
		enc.U8(flags)
	}
	return enc.Data(), nil
}

// UnmarshalBinary decodes a table written by MarshalBinary
func (t *Table) UnmarshalBinary(data []byte) error {
	dec := meta.NewDecoder(data)
	area := types.LAN(dec.U32())
	n := dec.Count(len(data) / 9)
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{VBN: types.VBN(dec.U32()), EC: dec.U32()}
		entries[i].Garbage = dec.U8()&flagGarbage != 0
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("failed to decode BMT: %w", err)
	}
	t.Area = area
	t.Entries = entries
	return nil
}
