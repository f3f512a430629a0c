// Package freelist implements the fixed-capacity circular buffer of erased blocks
// kept in the zone context.
package freelist

import (
	"fmt"

	"github.com/deploymenttheory/go-nandftl/internal/types"
)

// Entry is one free block and its erase count
type Entry struct {
	VBN types.VBN
	EC  uint32
}

// FreeList is a circular buffer of free blocks. Blocks are taken from the head and
// returned at the tail, so a freed block is reused as late as possible.
type FreeList struct {
	entries []Entry
	head    int
	count   int
}

// New creates an empty free list holding at most capacity entries
func New(capacity int) *FreeList {
	return &FreeList{entries: make([]Entry, capacity)}
}

// Restore rebuilds a free list from persisted slots and indices
func Restore(entries []Entry, head, count int) (*FreeList, error) {
	if head < 0 || count < 0 || count > len(entries) || (len(entries) > 0 && head >= len(entries)) {
		return nil, fmt.Errorf("%w: free list head %d count %d capacity %d", types.ErrCorrupted, head, count, len(entries))
	}
	fl := &FreeList{entries: make([]Entry, len(entries)), head: head, count: count}
	copy(fl.entries, entries)
	return fl, nil
}

// Capacity returns the number of slots
func (fl *FreeList) Capacity() int {
	return len(fl.entries)
}

// Len returns the number of free blocks held
func (fl *FreeList) Len() int {
	return fl.count
}

// Room returns the number of unused slots
func (fl *FreeList) Room() int {
	return len(fl.entries) - fl.count
}

// Head returns the raw head index for persistence
func (fl *FreeList) Head() int {
	return fl.head
}

// Slots returns the raw slot array for persistence
func (fl *FreeList) Slots() []Entry {
	return fl.entries
}

// Push appends a block at the tail
func (fl *FreeList) Push(e Entry) error {
	if fl.count == len(fl.entries) {
		return fmt.Errorf("%w: free list full", types.ErrNoFreeBlocks)
	}
	fl.entries[(fl.head+fl.count)%len(fl.entries)] = e
	fl.count++
	return nil
}

// Pop removes and returns the head block
func (fl *FreeList) Pop() (Entry, bool) {
	if fl.count == 0 {
		return Entry{VBN: types.NullVBN}, false
	}
	e := fl.entries[fl.head]
	fl.head = (fl.head + 1) % len(fl.entries)
	fl.count--
	return e, true
}

// At returns the i-th entry from the head
func (fl *FreeList) At(i int) Entry {
	return fl.entries[(fl.head+i)%len(fl.entries)]
}

// Set overwrites the i-th entry from the head
func (fl *FreeList) Set(i int, e Entry) {
	fl.entries[(fl.head+i)%len(fl.entries)] = e
}

// Contains reports whether vbn is on the list
func (fl *FreeList) Contains(vbn types.VBN) bool {
	return fl.IndexOf(vbn) >= 0
}

// IndexOf returns the position of vbn counted from the head, or -1
func (fl *FreeList) IndexOf(vbn types.VBN) int {
	for i := 0; i < fl.count; i++ {
		if fl.At(i).VBN == vbn {
			return i
		}
	}
	return -1
}

// Entries returns the free blocks in head-to-tail order
func (fl *FreeList) Entries() []Entry {
	out := make([]Entry, fl.count)
	for i := range out {
		out[i] = fl.At(i)
	}
	return out
}

// MinEC returns the smallest erase count on the list, or types.NullEC when empty
func (fl *FreeList) MinEC() uint32 {
	lowest := types.NullEC
	for i := 0; i < fl.count; i++ {
		if ec := fl.At(i).EC; ec < lowest {
			lowest = ec
		}
	}
	return lowest
}

// Remove takes vbn out of the list, keeping the order of the remaining entries
func (fl *FreeList) Remove(vbn types.VBN) bool {
	i := fl.IndexOf(vbn)
	if i < 0 {
		return false
	}
	rest := fl.Entries()
	rest = append(rest[:i], rest[i+1:]...)
	fl.head, fl.count = 0, 0
	for _, e := range rest {
		fl.entries[fl.count] = e
		fl.count++
	}
	return true
}
