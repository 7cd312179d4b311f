// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

// Memory is a word-addressed test region
type Memory interface {
	Len() int
	Load(i int) uint32
	Store(i int, v uint32)
}

var marchPatterns = [...]uint32{0x00000000, 0xFFFFFFFF, 0xAAAAAAAA, 0x55555555}

// MarchC runs March C- with each background pattern over words [lo, hi).
// It returns the index of the first failing word, or -1.
func MarchC(mem Memory, lo, hi int) int {
	for _, p := range marchPatterns {
		inv := ^p

		// ⇑(w0)
		for i := lo; i < hi; i++ {
			mem.Store(i, p)
		}
		// ⇑(r0,w1)
		for i := lo; i < hi; i++ {
			if mem.Load(i) != p {
				return i
			}
			mem.Store(i, inv)
		}
		// ⇑(r1,w0)
		for i := lo; i < hi; i++ {
			if mem.Load(i) != inv {
				return i
			}
			mem.Store(i, p)
		}
		// ⇓(r0,w1)
		for i := hi - 1; i >= lo; i-- {
			if mem.Load(i) != p {
				return i
			}
			mem.Store(i, inv)
		}
		// ⇓(r1,w0)
		for i := hi - 1; i >= lo; i-- {
			if mem.Load(i) != inv {
				return i
			}
			mem.Store(i, p)
		}
		// ⇑(r0)
		for i := lo; i < hi; i++ {
			if mem.Load(i) != p {
				return i
			}
		}
	}
	return -1
}

// marchBlock tests one block and restores its contents afterwards
func marchBlock(mem Memory, lo, hi int) int {
	saved := make([]uint32, hi-lo)
	for i := range saved {
		saved[i] = mem.Load(lo + i)
	}
	bad := MarchC(mem, lo, hi)
	for i, v := range saved {
		mem.Store(lo+i, v)
	}
	return bad
}
