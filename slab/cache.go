// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package slab provides a fixed-object-size memory pool: a slab
// allocator that carves large, naturally-aligned regions into arrays
// of equally sized objects and serves allocations and frees from
// intrusive per-slab free-lists, in O(1) on the hot path.
package slab

import (
	"sync"
	"unsafe"

	"github.com/Frogit-LeGushk/Slab-allocator-thread-safe/region"
)

const NAME = "slab"

// DefaultSlabOrder is the slab_order used by SetupDefault:
// slab_size = PageSize * 2^10 = 4 MiB.
const DefaultSlabOrder = 10

// Options encodes configuration flags for a Cache.
type Options uint32

const (
	// Debug turns on verbose per-call tracing through Log.
	Debug Options = 1 << iota
	// Checks turns on extra invariant assertions on the hot paths.
	Checks
	DefaultOptions = Checks
)

// ListKind names one of a cache's three slab lists, for DumpSlab.
type ListKind int

const (
	ListFree ListKind = iota
	ListPartial
	ListFull
)

// bigLock is the single process-wide exclusive lock covering every
// Cache and, transitively through each Provider's own synchronization,
// the region-provider bookkeeping. A reimplementation is free to split
// this into per-cache locks, but must then still keep the provider side
// table internally synchronized.
var bigLock sync.Mutex

// Cache is the user-visible handle for a pool of fixed-size objects. It
// owns three intrusive singly-linked lists of slabs (FREE, PARTIAL,
// FULL) plus the geometry derived from the requested object size and
// slab order.
type Cache struct {
	// Provider supplies and reclaims aligned regions. If left nil
	// before the first Setup call, region.Default() is used.
	Provider region.Provider

	objectSize     uintptr
	stride         uintptr // objectSize + linkCellSize
	slabOrder      int
	slabSize       uintptr
	objectsPerSlab uintptr
	headerOffset   uintptr
	options        Options

	free    *slabHeader
	partial *slabHeader
	full    *slabHeader
}

func (c *Cache) debug() bool  { return c.options&Debug != 0 }
func (c *Cache) checks() bool { return c.options&Checks != 0 }

// Setup initializes an uninitialized Cache for objects of objectSize
// bytes, carved out of slabs of size PageSize*2^slabOrder. It formats
// and attaches the first FREE slab.
//
// objectSize must be > 0 and slabOrder must be in [0, region.MaxOrder];
// violating either, or requesting an object too large to fit even one
// per slab, is a programmer error and panics.
func (c *Cache) Setup(objectSize uintptr, slabOrder int) {
	c.SetupOptions(objectSize, slabOrder, DefaultOptions)
}

// SetupDefault is Setup with the documented default slab order of 10
// (slab_size = 4 MiB), standing in for the C++ API's default argument.
func (c *Cache) SetupDefault(objectSize uintptr) {
	c.Setup(objectSize, DefaultSlabOrder)
}

// SetupOptions is Setup with an explicit Options bitmask.
func (c *Cache) SetupOptions(objectSize uintptr, slabOrder int, options Options) {
	bigLock.Lock()
	defer bigLock.Unlock()

	if objectSize == 0 {
		PANIC("BUG: cache_setup called with object_size == 0\n")
	}
	if err := region.CheckOrder(slabOrder); err != nil {
		PANIC("BUG: cache_setup: %v\n", err)
	}

	provider := c.Provider
	*c = Cache{Provider: provider, options: options}
	if c.Provider == nil {
		c.Provider = region.Default()
	}

	c.objectSize = objectSize
	c.stride = objectSize + linkCellSize
	c.slabOrder = slabOrder
	c.slabSize = region.Size(slabOrder)
	c.objectsPerSlab = c.slabSize / c.stride
	for c.slabSize-c.objectsPerSlab*c.stride < headerSizeof {
		c.objectsPerSlab--
	}
	if c.objectsPerSlab == 0 {
		PANIC("BUG: cache_setup: object_size %d does not fit in a slab of "+
			"order %d\n", objectSize, slabOrder)
	}
	c.headerOffset = c.objectsPerSlab * c.stride

	header, err := c.slabSetup()
	if err != nil {
		PANIC("BUG: cache_setup: initial slab allocation failed: %v\n", err)
	}
	c.free = header
}

// Alloc returns a pointer to an uninitialized region of at least
// objectSize bytes, or nil if the region provider could not satisfy a
// new slab request. It is O(1) worst case whenever PARTIAL or FREE is
// non-empty, O(1) amortized otherwise.
//
// The "format a new slab, then retry" policy step is a loop within this
// single lock acquisition, not a recursive call that drops and
// reacquires the lock: see the package's reentrancy design note.
func (c *Cache) Alloc() unsafe.Pointer {
	bigLock.Lock()
	defer bigLock.Unlock()

	for {
		if c.partial != nil {
			s := c.partial
			slot := s.head
			s.head = slot.next
			s.freeCount--
			if s.freeCount == 0 {
				c.partial = s.next
				pushHead(&c.full, s)
			}
			slot.next = nil
			if c.debug() {
				DBG("alloc (partial) -> %p\n", userPtr(slot))
			}
			return userPtr(slot)
		}
		if c.free != nil {
			s := c.free
			slot := s.head
			s.head = slot.next
			s.freeCount--
			c.free = s.next
			if s.freeCount > 0 {
				pushHead(&c.partial, s)
			} else {
				pushHead(&c.full, s)
			}
			slot.next = nil
			if c.debug() {
				DBG("alloc (free) -> %p\n", userPtr(slot))
			}
			return userPtr(slot)
		}

		header, err := c.slabSetup()
		if err != nil {
			if ERRon() {
				ERR("cache_alloc: slab allocation failed: %v\n", err)
			}
			return nil
		}
		pushHead(&c.free, header)
		// restart the policy now that FREE is non-empty
	}
}

// Free returns a previously allocated pointer to its owning slab. ptr
// must have been produced by Alloc on this same Cache; any other input
// is undefined, except nil, which is a no-op warning (matching the
// original free(0) behaviour).
func (c *Cache) Free(ptr unsafe.Pointer) {
	bigLock.Lock()
	defer bigLock.Unlock()

	if ptr == nil {
		WARN("free(nil) called\n")
		return
	}

	base := slabBase(ptr, c.slabSize)
	header := headerAt(base, c.headerOffset)
	slot := slotOf(ptr)

	// Best-effort double-free detection: a slot's link cell is cleared
	// on Alloc and only ever non-nil again once it has been pushed back
	// onto a free-list, so a non-nil link here usually means ptr was
	// already freed. It cannot catch every case (a slab whose free-list
	// was empty right before this free leaves the link nil too).
	if c.checks() && slot.next != nil {
		PANIC("BUG: attempt to free an already-freed pointer %p\n", ptr)
	}

	slot.next = header.head
	header.head = slot
	header.freeCount++

	switch {
	case header.freeCount == 1:
		// was on FULL
		unlinkAny(&c.full, header)
		if c.objectsPerSlab == 1 {
			pushHead(&c.free, header)
		} else {
			pushHead(&c.partial, header)
		}
	case header.freeCount == c.objectsPerSlab:
		// was on PARTIAL, now entirely free
		unlinkAny(&c.partial, header)
		pushHead(&c.free, header)
	}
}

// Shrink releases every slab on the FREE list back to the provider,
// leaving PARTIAL and FULL untouched. It is the only reclamation policy
// this allocator has, and it runs only when called: the allocator never
// returns slabs on its own initiative or under memory pressure.
func (c *Cache) Shrink() {
	bigLock.Lock()
	defer bigLock.Unlock()

	c.releaseList(c.free)
	c.free = nil
}

// Release walks all three lists and returns every slab to the
// provider, then resets the cache to its zero value. A released cache
// may be re-Setup; any other operation on it before that is undefined.
func (c *Cache) Release() {
	bigLock.Lock()
	defer bigLock.Unlock()

	c.releaseList(c.free)
	c.releaseList(c.partial)
	c.releaseList(c.full)
	*c = Cache{}
}
