// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package slab

import "unsafe"

// pushHead pushes s onto the front of the list rooted at *head.
func pushHead(head **slabHeader, s *slabHeader) {
	s.next = *head
	*head = s
}

// unlinkAny removes target from the list rooted at *head, wherever it
// sits. The head case is O(1); elsewhere it requires a predecessor
// scan, since the list is singly linked. Unlike the reference
// implementation, this always performs the unlink, even when target is
// already the head — a slab must never end up simultaneously on two
// lists.
func unlinkAny(head **slabHeader, target *slabHeader) {
	if *head == target {
		*head = target.next
		return
	}
	prev := *head
	for prev != nil && prev.next != target {
		prev = prev.next
	}
	if prev == nil {
		PANIC("BUG: slab %p not found in expected list\n", target)
	}
	prev.next = target.next
}

// slabSetup acquires one aligned region from the cache's provider and
// formats it: the header goes at headerOffset, and a singly-linked
// free-list is threaded through the slot array, slot i's link cell
// pointing at slot i+1, the last slot's link left nil.
func (c *Cache) slabSetup() (*slabHeader, error) {
	base, err := c.Provider.AllocAligned(c.slabOrder)
	if err != nil {
		return nil, err
	}

	header := headerAt(base, c.headerOffset)
	header.next = nil
	header.head = (*slotLink)(unsafe.Pointer(base))
	header.freeCount = c.objectsPerSlab

	slot := base
	offset := c.headerOffset
	for offset > c.stride {
		curr := (*slotLink)(unsafe.Pointer(slot))
		next := (*slotLink)(unsafe.Pointer(slot + c.stride))
		curr.next = next
		slot += c.stride
		offset -= c.stride
	}
	(*slotLink)(unsafe.Pointer(slot)).next = nil

	return header, nil
}

// releaseList walks a cache list, returning every slab on it to the
// provider. The list pointers are read before the region backing each
// header is freed, since touching freed memory after release is
// undefined.
func (c *Cache) releaseList(head *slabHeader) {
	for head != nil {
		next := head.next
		c.Provider.FreeAligned(baseOfHeader(head, c.headerOffset))
		head = next
	}
}
