// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import "unsafe"

// slotLink is the intrusive link cell every slot begins with. While a
// slot is free it is a node of its slab's free-list; once handed out,
// the cell is zeroed and the bytes belong to the caller.
type slotLink struct {
	next *slotLink
}

// slabHeader is the per-slab metadata block placed at headerOffset
// inside the slab's aligned region: past the object array, before the
// next aligned region starts. It is padded to a single cache line so
// that the hot head/freeCount fields of one slab's header never share
// a line with a neighboring slab's header.
type slabHeader struct {
	next      *slabHeader // next slab on whichever cache list it is currently in
	head      *slotLink   // free-list head
	freeCount uintptr     // length of the free-list; also slot-occupancy counter
	_         [5]uint64   // pad to 64 bytes
}

const (
	linkCellSize = unsafe.Sizeof(slotLink{})
	headerSizeof = unsafe.Sizeof(slabHeader{})
)

// userPtr converts a slot's link-cell address to the pointer handed to
// the caller: the link cell sits at the front of the slot, the usable
// bytes start right after it.
func userPtr(slot *slotLink) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(slot)) + linkCellSize)
}

// slotOf recovers a slot's link-cell address from a user pointer
// returned by Alloc.
func slotOf(p unsafe.Pointer) *slotLink {
	return (*slotLink)(unsafe.Pointer(uintptr(p) - linkCellSize))
}

// slabBase masks off the low bits of p to recover the aligned base of
// the slab p's slot lives in. This is the load-bearing O(1) step that
// makes Free cheap: every slab is naturally aligned to slabSize, so no
// lookup structure is needed to go from a pointer back to its slab.
func slabBase(p unsafe.Pointer, slabSize uintptr) uintptr {
	return uintptr(p) &^ (slabSize - 1)
}

// headerAt returns the slab header living at base+headerOffset.
func headerAt(base, headerOffset uintptr) *slabHeader {
	return (*slabHeader)(unsafe.Pointer(base + headerOffset))
}

// baseOfHeader is the inverse of headerAt: recovers a slab's aligned
// base from its header pointer, used when returning a slab to the
// region provider.
func baseOfHeader(h *slabHeader, headerOffset uintptr) uintptr {
	return uintptr(unsafe.Pointer(h)) - headerOffset
}
