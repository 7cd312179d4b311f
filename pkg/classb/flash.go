// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

// DefaultChunkSize is the number of image bytes hashed per periodic step
const DefaultChunkSize = 4096

// programCheck verifies the program image with an incremental CRC-32 against
// a reference captured once at boot
type programCheck struct {
	image     io.ReaderAt
	size      int64
	chunk     []byte
	reference uint32
	captured  bool

	offset  int64
	running hash.Hash32
	last    uint32
}

func newProgramCheck(image io.ReaderAt, size int64, chunkSize int) *programCheck {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &programCheck{
		image:   image,
		size:    size,
		chunk:   make([]byte, chunkSize),
		running: crc32.NewIEEE(),
	}
}

// full hashes the whole image in one pass
func (p *programCheck) full() (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, io.NewSectionReader(p.image, 0, p.size)); err != nil {
		return 0, fmt.Errorf("failed to read program image: %w", err)
	}
	return h.Sum32(), nil
}

// capture records the reference CRC
func (p *programCheck) capture() error {
	crc, err := p.full()
	if err != nil {
		return err
	}
	p.reference = crc
	p.captured = true
	p.restart()
	return nil
}

func (p *programCheck) restart() {
	p.offset = 0
	p.running.Reset()
}

// step hashes the next chunk. done is true when a full pass completed; the
// pass CRC is then in p.last.
func (p *programCheck) step() (done bool, err error) {
	n := int64(len(p.chunk))
	if rem := p.size - p.offset; rem < n {
		n = rem
	}
	if n > 0 {
		read, err := p.image.ReadAt(p.chunk[:n], p.offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
			p.restart()
			return false, fmt.Errorf("failed to read program image at %d: %w", p.offset, err)
		}
		p.running.Write(p.chunk[:n])
		p.offset += n
	}
	if p.offset < p.size {
		return false, nil
	}
	p.last = p.running.Sum32()
	p.restart()
	return true, nil
}

// progress returns the fraction of the current pass completed
func (p *programCheck) progress() float64 {
	if p.size == 0 {
		return 1
	}
	return float64(p.offset) / float64(p.size)
}
