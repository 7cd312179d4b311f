// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

// CanaryValue guards both ends of a working region
const CanaryValue uint32 = 0xDEADBEEF

// Guard is a region bounded by canaries
type Guard interface {
	Intact() bool
}

// Workspace is a word region bounded by a canary on each side. It is the
// dedicated RAM test region; stray writes past either end land on a canary.
type Workspace struct {
	words []uint32 // canary, region..., canary
}

// NewWorkspace allocates a region of n words with its canaries in place
func NewWorkspace(n int) *Workspace {
	w := &Workspace{words: make([]uint32, n+2)}
	w.words[0] = CanaryValue
	w.words[n+1] = CanaryValue
	return w
}

// Len returns the number of usable words
func (w *Workspace) Len() int {
	return len(w.words) - 2
}

// Load reads word i of the region
func (w *Workspace) Load(i int) uint32 {
	return w.words[i+1]
}

// Store writes word i of the region
func (w *Workspace) Store(i int, v uint32) {
	w.words[i+1] = v
}

// Intact reports whether both canaries hold CanaryValue
func (w *Workspace) Intact() bool {
	return w.words[0] == CanaryValue && w.words[len(w.words)-1] == CanaryValue
}

// Canaries is a standalone guard pair around a structure that is not itself
// word addressed
type Canaries struct {
	Top    uint32
	Bottom uint32
}

// NewCanaries returns an armed guard pair
func NewCanaries() *Canaries {
	return &Canaries{Top: CanaryValue, Bottom: CanaryValue}
}

// Intact reports whether both canaries hold CanaryValue
func (c *Canaries) Intact() bool {
	return c.Top == CanaryValue && c.Bottom == CanaryValue
}

func stackTest(guards []Guard) Report {
	for i, g := range guards {
		if !g.Intact() {
			return fail(TestStack, int32(i), "guard %d corrupted", i)
		}
	}
	return pass(TestStack)
}
