// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package region

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapProvider requests anonymous memory directly from the kernel and
// trims it to an aligned region, instead of overallocating from the Go
// heap. mmap gives no alignment hint on any platform, so a 2x mapping
// is still made, but the unaligned head and tail are unmapped
// immediately: the kept mapping's address is the aligned pointer, and
// nothing past what the core can use stays mapped.
type MmapProvider struct {
	mu   sync.Mutex
	live map[uintptr]int // aligned pointer -> trimmed mapping length
}

// NewMmap creates an empty MmapProvider.
func NewMmap() *MmapProvider {
	return &MmapProvider{live: make(map[uintptr]int)}
}

func newDefault() Provider {
	return NewMmap()
}

// AllocAligned returns a pointer aligned to PageSize*2^order.
func (p *MmapProvider) AllocAligned(order int) (uintptr, error) {
	if err := CheckOrder(order); err != nil {
		return 0, err
	}
	size := int(Size(order))

	full, err := unix.Mmap(-1, 0, 2*size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("region: mmap(%d) failed: %w", 2*size, err)
	}
	base := uintptr(unsafe.Pointer(&full[0]))
	aligned := (base + uintptr(size) - 1) &^ (uintptr(size) - 1)

	head := int(aligned - base)
	tail := 2*size - size - head
	if head > 0 {
		if err := unix.Munmap(full[:head]); err != nil {
			unix.Munmap(full)
			return 0, fmt.Errorf("region: munmap head failed: %w", err)
		}
	}
	if tail > 0 {
		if err := unix.Munmap(full[head+size:]); err != nil {
			unix.Munmap(full[head : head+size])
			return 0, fmt.Errorf("region: munmap tail failed: %w", err)
		}
	}

	p.mu.Lock()
	p.live[aligned] = size
	p.mu.Unlock()
	return aligned, nil
}

// FreeAligned releases a pointer previously returned by AllocAligned.
func (p *MmapProvider) FreeAligned(aligned uintptr) {
	p.mu.Lock()
	size, ok := p.live[aligned]
	if ok {
		delete(p.live, aligned)
	}
	p.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("region: FreeAligned called with unknown pointer %#x", aligned))
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(aligned)), size)
	if err := unix.Munmap(mem); err != nil {
		panic(fmt.Sprintf("region: munmap(%#x, %d) failed: %v", aligned, size, err))
	}
}

// Outstanding returns the number of live regions.
func (p *MmapProvider) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
